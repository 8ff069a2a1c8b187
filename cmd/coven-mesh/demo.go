// ABOUTME: demo subcommand: a three-node mesh in one process
// ABOUTME: C1 resolves ping, C2 raises it through the root P, and the topology is rendered

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

const demoIntent = "ping"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	nodeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("57")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func newDemoCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Route a ping between two children of a local root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout(), c.logger)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up if the ping is not answered in time")
	return cmd
}

func runDemo(ctx context.Context, w io.Writer, logger *slog.Logger) error {
	pWin := memory.NewWindow("P", logger)
	c1Win := memory.NewWindow("C1", logger)
	c2Win := memory.NewWindow("C2", logger)
	defer func() {
		for _, win := range []*memory.Window{pWin, c1Win, c2Win} {
			_ = win.Close()
		}
	}()

	p, err := mesh.New(mesh.Options{Name: "P", Self: pWin, Logger: logger})
	if err != nil {
		return err
	}
	defer p.Destroy()

	c1, err := mesh.New(mesh.Options{Name: "C1", Self: c1Win, Parent: pWin, Logger: logger})
	if err != nil {
		return err
	}
	defer c1.Destroy()

	c2, err := mesh.New(mesh.Options{Name: "C2", Self: c2Win, Parent: pWin, Logger: logger})
	if err != nil {
		return err
	}
	defer c2.Destroy()

	if _, err := c1.SubscribeToIntent(demoIntent, func(ctx context.Context, payload any) (any, error) {
		return fmt.Sprintf("pong from C1 (%v)", payload), nil
	}); err != nil {
		return err
	}

	start := time.Now()
	result, err := c2.RaiseIntent(ctx, protocol.Intent{Type: demoIntent, Payload: "hello from C2"})
	if err != nil {
		return fmt.Errorf("raising %s: %w", demoIntent, err)
	}
	elapsed := time.Since(start)

	fmt.Fprintln(w, titleStyle.Render("coven-mesh demo"))
	fmt.Fprintln(w, renderTopology(p.Snapshot(), c1.Snapshot(), c2.Snapshot()))
	fmt.Fprintf(w, "%s %s %s\n",
		labelStyle.Render("C2 raised "+demoIntent+" ->"),
		valueStyle.Render(fmt.Sprint(result)),
		labelStyle.Render("in "+elapsed.Round(time.Microsecond).String()))
	return nil
}

// renderTopology draws the root above its children.
func renderTopology(root mesh.Snapshot, children ...mesh.Snapshot) string {
	boxes := make([]string, 0, len(children))
	for _, c := range children {
		boxes = append(boxes, renderNode(c))
	}
	below := lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
	return lipgloss.JoinVertical(lipgloss.Center, renderNode(root), below)
}

func renderNode(s mesh.Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(s.Name))
	b.WriteString("\n")
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label + " "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	row("id", shortID(s.ID))
	if s.UpstreamID == "" {
		row("upstream", "(root)")
	} else {
		row("upstream", shortID(s.UpstreamID))
	}
	row("children", fmt.Sprint(len(s.Downstreams)))
	if len(s.Resolvers) > 0 {
		row("resolves", strings.Join(s.Resolvers, ","))
	}
	for _, t := range slices.Sorted(maps.Keys(s.Targets)) {
		row("route "+t, shortID(s.Targets[t]))
	}
	return nodeStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
