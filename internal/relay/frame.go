package relay

import "encoding/json"

// Kind tells binary audio apart from JSON text on the client connection.
type Kind uint8

const (
	// KindText is a UTF-8 JSON message: control messages from the client,
	// status and error events towards it.
	KindText Kind = iota + 1

	// KindBinary is an opaque audio payload.
	KindBinary
)

// String returns "text" or "binary".
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one message on the client connection, in either direction.
type Frame struct {
	Kind Kind
	Data []byte
}

// Sender delivers frames to the client connection identified by id. It is
// implemented by the transport adapter. Implementations must preserve the
// order of frames sent for the same id, and return an error wrapping
// [ErrClientGone] when id no longer maps to a live client.
type Sender interface {
	Send(id string, f Frame) error
}

// SenderFunc adapts an ordinary function to the [Sender] interface.
type SenderFunc func(id string, f Frame) error

// Send calls f(id, frame).
func (f SenderFunc) Send(id string, frame Frame) error { return f(id, frame) }

// Client events are JSON envelopes {"event": name, "data": payload}.
type event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type statusPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// StatusFrame builds a status event carrying a human-readable lifecycle notice.
func StatusFrame(content string) Frame {
	return eventFrame("status", statusPayload{Type: "status", Content: content})
}

// ErrorFrame builds an error event.
func ErrorFrame(message string) Frame {
	return eventFrame("error", errorPayload{Message: message})
}

func eventFrame(name string, data any) Frame {
	// Marshalling a struct of strings cannot fail.
	b, _ := json.Marshal(event{Event: name, Data: data})
	return Frame{Kind: KindText, Data: b}
}

// controlMessage is a structured client message. Only Type "config" is
// recognised.
type controlMessage struct {
	Type      string `json:"type"`
	Character string `json:"character"`
}
