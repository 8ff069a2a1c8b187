// ABOUTME: Protocol message variants exchanged between mesh nodes and point-to-point agents.
// ABOUTME: A closed sum type dispatched through Visitor so new kinds are compile-time checked.

package protocol

// Phase marks where a message is in its lifecycle.
type Phase string

const (
	// Propagating messages are still climbing toward the root of the tree.
	Propagating Phase = "propagating"
	// Routing messages are being interpreted and routed by the receiving node.
	Routing Phase = "routing"
)

// Kind identifies a message variant on the wire.
type Kind string

const (
	KindAnnounce       Kind = "mesh-announce"
	KindLink           Kind = "mesh-link"
	KindRegister       Kind = "mesh-register"
	KindSubscription   Kind = "mesh-subscription"
	KindUnsubscription Kind = "mesh-unsubscription"
	KindIntent         Kind = "mesh-intent"
	KindResponse       Kind = "mesh-response"
	KindError          Kind = "mesh-error"
)

// Intent is a typed request routed to exactly one resolver.
type Intent struct {
	Type    string `cbor:"type"`
	Payload any    `cbor:"payload,omitempty"`
}

// Header is carried by every message variant.
type Header struct {
	SourceAgentID string
	Phase         Phase
}

// Message is one of the protocol variants declared in this file.
type Message interface {
	Kind() Kind
	Head() Header
	Accept(v Visitor)

	withHeader(h Header) Message
}

// Visitor handles each message variant. Implementations must handle every
// kind; adding a variant adds a method here.
type Visitor interface {
	VisitAnnounce(m Announce)
	VisitLink(m Link)
	VisitRegister(m Register)
	VisitSubscription(m Subscription)
	VisitUnsubscription(m Unsubscription)
	VisitIntent(m IntentMessage)
	VisitResponse(m Response)
	VisitError(m Error)
}

// WithPhase returns a copy of m with its phase replaced.
func WithPhase(m Message, p Phase) Message {
	h := m.Head()
	h.Phase = p
	return m.withHeader(h)
}

// Announce asks whoever receives it to link to the sender.
type Announce struct {
	Header
}

func (m Announce) Kind() Kind                  { return KindAnnounce }
func (m Announce) Head() Header                { return m.Header }
func (m Announce) Accept(v Visitor)            { v.VisitAnnounce(m) }
func (m Announce) withHeader(h Header) Message { m.Header = h; return m }

// Link accepts an announcement and hands the target a private channel.
// The channel itself travels in the envelope's transferred ports.
type Link struct {
	Header
	TargetAgentID string
}

func (m Link) Kind() Kind                  { return KindLink }
func (m Link) Head() Header                { return m.Header }
func (m Link) Accept(v Visitor)            { v.VisitLink(m) }
func (m Link) withHeader(h Header) Message { m.Header = h; return m }

// Register tells ancestors how to reach the source node and which intent
// types it already resolves. ResolutionPath grows by one hop per relay.
type Register struct {
	Header
	Name              string
	ResolutionPath    []string
	SubscribedIntents []string
}

func (m Register) Kind() Kind                  { return KindRegister }
func (m Register) Head() Header                { return m.Header }
func (m Register) Accept(v Visitor)            { v.VisitRegister(m) }
func (m Register) withHeader(h Header) Message { m.Header = h; return m }

// Subscription declares that the source node now resolves IntentType.
type Subscription struct {
	Header
	IntentType string
}

func (m Subscription) Kind() Kind                  { return KindSubscription }
func (m Subscription) Head() Header                { return m.Header }
func (m Subscription) Accept(v Visitor)            { v.VisitSubscription(m) }
func (m Subscription) withHeader(h Header) Message { m.Header = h; return m }

// Unsubscription declares that the source node no longer resolves IntentType.
type Unsubscription struct {
	Header
	IntentType string
}

func (m Unsubscription) Kind() Kind                  { return KindUnsubscription }
func (m Unsubscription) Head() Header                { return m.Header }
func (m Unsubscription) Accept(v Visitor)            { v.VisitUnsubscription(m) }
func (m Unsubscription) withHeader(h Header) Message { m.Header = h; return m }

// IntentMessage carries a request and the requester's correlation id.
type IntentMessage struct {
	Header
	CorrelationID string
	Intent        Intent
}

func (m IntentMessage) Kind() Kind                  { return KindIntent }
func (m IntentMessage) Head() Header                { return m.Header }
func (m IntentMessage) Accept(v Visitor)            { v.VisitIntent(m) }
func (m IntentMessage) withHeader(h Header) Message { m.Header = h; return m }

// Response carries a resolver's result back to the requester.
// SourceAgentID is the requester, not the resolving node.
type Response struct {
	Header
	CorrelationID string
	Intent        Intent
	Response      any
}

func (m Response) Kind() Kind                  { return KindResponse }
func (m Response) Head() Header                { return m.Header }
func (m Response) Accept(v Visitor)            { v.VisitResponse(m) }
func (m Response) withHeader(h Header) Message { m.Header = h; return m }

// Error carries a resolver's failure back to the requester.
type Error struct {
	Header
	CorrelationID string
	Intent        Intent
	Err           error
}

func (m Error) Kind() Kind                  { return KindError }
func (m Error) Head() Header                { return m.Header }
func (m Error) Accept(v Visitor)            { v.VisitError(m) }
func (m Error) withHeader(h Header) Message { m.Header = h; return m }
