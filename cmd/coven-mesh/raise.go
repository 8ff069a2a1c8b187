// ABOUTME: raise subcommand: dials the bridge and raises one intent over a point-to-point agent
// ABOUTME: The payload is JSON on the way in and the result is printed as JSON

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/coven-mesh/internal/auth"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/ptp"
	"github.com/2389/coven-mesh/internal/transport/grpclink"
)

func newRaiseCmd(c *cli) *cobra.Command {
	var (
		intentType string
		payload    string
		addr       string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Raise one intent on a running bridge and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.Bridge.DialAddr
			}

			var body any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("parsing payload: %w", err)
				}
			}

			opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
			if token != "" {
				opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerToken(token, false)))
			}
			conn, err := grpc.NewClient(addr, opts...)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			defer conn.Close()

			result, err := raiseOverLink(cmd.Context(), conn, protocol.Intent{Type: intentType, Payload: body})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&intentType, "type", "", "intent type, e.g. api-client:fetch")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&addr, "addr", "", "bridge address (default bridge.dial_addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for secured bridges")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func raiseOverLink(ctx context.Context, conn *grpc.ClientConn, intent protocol.Intent) (any, error) {
	port, err := grpclink.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	a := ptp.New(port, ptp.Options{Name: "coven-mesh raise"})
	defer a.Destroy()

	result, err := a.RaiseIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("raising %s: %w", intent.Type, err)
	}
	return result, nil
}

// printJSON writes v as indented JSON. Wire payloads decode with
// interface-keyed maps, which encoding/json cannot handle, so those are
// normalized first.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(normalize(v))
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
