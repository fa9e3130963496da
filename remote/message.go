// Package remote runs script sandboxes on a network peer.
//
// The link carries wire frames. Structured frames hold one Message each.
// Bare FlagPing frames are keepalives: the server echoes them and the
// client ignores them. A malformed frame or an invalid message closes the
// link.
//
// Client to server: load, evaluate, ping.
// Server to client: loaded, callback, console, pong.
package remote

import (
	"fmt"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/wire"
)

// MessageType discriminates link messages.
type MessageType string

// Link message types.
const (
	TypeLoad     MessageType = "load"
	TypeEvaluate MessageType = "evaluate"
	TypePing     MessageType = "ping"
	TypeLoaded   MessageType = "loaded"
	TypeCallback MessageType = "callback"
	TypeConsole  MessageType = "console"
	TypePong     MessageType = "pong"
)

// Document is a script document on the link.
type Document struct {
	Name    string `json:"name" msgpack:"name"`
	Path    string `json:"path" msgpack:"path"`
	BaseURL string `json:"base_url,omitempty" msgpack:"base_url,omitempty"`
	Source  string `json:"source" msgpack:"source"`
}

func toDocument(d bridge.Document) *Document {
	return &Document{Name: d.Name, Path: d.Path, BaseURL: d.BaseURL, Source: string(d.Source)}
}

func (d *Document) bridge() bridge.Document {
	return bridge.Document{Name: d.Name, Path: d.Path, BaseURL: d.BaseURL, Source: []byte(d.Source)}
}

// Message is one link message. Which fields are set depends on Type.
type Message struct {
	Type MessageType `json:"type" msgpack:"type"`
	// Seq correlates load with loaded, and ping with pong.
	Seq uint64 `json:"seq,omitempty" msgpack:"seq,omitempty"`

	// load
	Document *Document `json:"document,omitempty" msgpack:"document,omitempty"`
	// evaluate
	Statement string `json:"statement,omitempty" msgpack:"statement,omitempty"`
	// loaded
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
	// callback
	Kind      int    `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Text      string `json:"text,omitempty" msgpack:"text,omitempty"`
	HadResult bool   `json:"had_result,omitempty" msgpack:"had_result,omitempty"`
	// console
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
	Line    int    `json:"line,omitempty" msgpack:"line,omitempty"`
	Source  string `json:"source,omitempty" msgpack:"source,omitempty"`
}

// Validate checks the fields required by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeLoad:
		if m.Document == nil {
			return fmt.Errorf("%s message without document", m.Type)
		}
		if m.Seq == 0 {
			return fmt.Errorf("%s message without seq", m.Type)
		}
	case TypeLoaded:
		if m.Seq == 0 {
			return fmt.Errorf("%s message without seq", m.Type)
		}
	case TypeEvaluate, TypeCallback, TypeConsole, TypePing, TypePong:
	case "":
		return fmt.Errorf("message without type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// decodeMessage decodes and validates the message in frame.
func decodeMessage(frame wire.Frame) (*Message, error) {
	var m Message
	if err := wire.Unmarshal(frame, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: "invalid message", Err: err}
	}
	return &m, nil
}

// isKeepalive reports a bare ping frame.
func isKeepalive(f wire.Flag) bool {
	return f.Has(wire.FlagPing) && !f.Has(wire.FlagJSON) && !f.Has(wire.FlagMsgpack)
}
