// ABOUTME: CBOR wire codec for protocol messages crossing serializing transports.
// ABOUTME: Also re-codes generic wire payloads into the typed values resolvers expect.

package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownKind indicates a frame whose type tag is not a protocol message.
var ErrUnknownKind = errors.New("unknown message kind")

// ErrInvalidTarget indicates DecodePayload was given a non-pointer target.
var ErrInvalidTarget = errors.New("decode target must be a non-nil pointer")

// RemoteError is a resolver failure decoded from the wire. Its message is the
// resolver's error text, unchanged.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: building cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: building cbor decoder: %v", err))
	}
}

type wireError struct {
	Message string `cbor:"message"`
}

// wireMessage is the flat tagged form of every variant.
type wireMessage struct {
	Type              Kind       `cbor:"type"`
	SourceAgentID     string     `cbor:"sourceAgentId"`
	Phase             Phase      `cbor:"phase"`
	TargetAgentID     string     `cbor:"targetAgentId,omitempty"`
	Name              string     `cbor:"name,omitempty"`
	ResolutionPath    []string   `cbor:"resolutionPath,omitempty"`
	SubscribedIntents []string   `cbor:"subscribedIntents,omitempty"`
	IntentType        string     `cbor:"intentType,omitempty"`
	CorrelationID     string     `cbor:"correlationId,omitempty"`
	Intent            *Intent    `cbor:"intent,omitempty"`
	Response          any        `cbor:"response"`
	Error             *wireError `cbor:"error,omitempty"`
}

// Marshal encodes a message for the wire. Transferred ports are not part of
// the message and are never encoded.
func Marshal(m Message) ([]byte, error) {
	h := m.Head()
	w := wireMessage{
		Type:          m.Kind(),
		SourceAgentID: h.SourceAgentID,
		Phase:         h.Phase,
	}

	switch v := m.(type) {
	case Announce:
	case Link:
		w.TargetAgentID = v.TargetAgentID
	case Register:
		w.Name = v.Name
		w.ResolutionPath = v.ResolutionPath
		w.SubscribedIntents = v.SubscribedIntents
	case Subscription:
		w.IntentType = v.IntentType
	case Unsubscription:
		w.IntentType = v.IntentType
	case IntentMessage:
		w.CorrelationID = v.CorrelationID
		w.Intent = &v.Intent
	case Response:
		w.CorrelationID = v.CorrelationID
		w.Intent = &v.Intent
		w.Response = v.Response
	case Error:
		w.CorrelationID = v.CorrelationID
		w.Intent = &v.Intent
		msg := "unknown error"
		if v.Err != nil {
			msg = v.Err.Error()
		}
		w.Error = &wireError{Message: msg}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}

	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	return data, nil
}

// Unmarshal decodes a wire frame produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	h := Header{SourceAgentID: w.SourceAgentID, Phase: w.Phase}
	var intent Intent
	if w.Intent != nil {
		intent = *w.Intent
	}

	switch w.Type {
	case KindAnnounce:
		return Announce{Header: h}, nil
	case KindLink:
		return Link{Header: h, TargetAgentID: w.TargetAgentID}, nil
	case KindRegister:
		return Register{
			Header:            h,
			Name:              w.Name,
			ResolutionPath:    w.ResolutionPath,
			SubscribedIntents: w.SubscribedIntents,
		}, nil
	case KindSubscription:
		return Subscription{Header: h, IntentType: w.IntentType}, nil
	case KindUnsubscription:
		return Unsubscription{Header: h, IntentType: w.IntentType}, nil
	case KindIntent:
		return IntentMessage{Header: h, CorrelationID: w.CorrelationID, Intent: intent}, nil
	case KindResponse:
		return Response{Header: h, CorrelationID: w.CorrelationID, Intent: intent, Response: w.Response}, nil
	case KindError:
		remote := &RemoteError{Message: "unknown error"}
		if w.Error != nil {
			remote.Message = w.Error.Message
		}
		return Error{Header: h, CorrelationID: w.CorrelationID, Intent: intent, Err: remote}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
}

// DecodePayload stores payload into out. A payload that already has out's
// element type (or points to it) is assigned directly; anything else, such
// as a map decoded from the wire, is re-coded through CBOR.
func DecodePayload(payload any, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}
	if payload == nil {
		return nil
	}

	elem := rv.Elem()
	pv := reflect.ValueOf(payload)
	if pv.Type().AssignableTo(elem.Type()) {
		elem.Set(pv)
		return nil
	}
	if pv.Kind() == reflect.Pointer && !pv.IsNil() && pv.Elem().Type().AssignableTo(elem.Type()) {
		elem.Set(pv.Elem())
		return nil
	}

	data, err := encMode.Marshal(payload)
	if err != nil {
		return fmt.Errorf("re-encoding payload: %w", err)
	}
	if err := decMode.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding payload into %T: %w", out, err)
	}
	return nil
}
