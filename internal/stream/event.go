// Package stream defines the answer event stream shared by the HTTP server
// and its clients: a closed set of event types and their SSE framing.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire values of the "type" field.
const (
	TypeDocs    = "docs"
	TypeContent = "content"
	TypeEnd     = "end"
	TypeError   = "error"
)

var (
	// ErrUnknownEvent is returned for a well-formed event whose type this
	// version does not recognise. Readers skip such events.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformedEvent is returned for a payload that is not a valid event.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one of DocsEvent, ContentEvent, EndEvent or ErrorEvent.
type Event interface {
	Type() string
	sealed()
}

// Loc locates a chunk inside its document.
type Loc struct {
	PageNumber int `json:"pageNumber,omitempty"`
}

// DocMetadata describes where a retrieved chunk came from.
type DocMetadata struct {
	Source     string `json:"source"`
	SourceID   string `json:"sourceId,omitempty"`
	ChunkIndex int    `json:"chunkIndex"`
	Loc        Loc    `json:"loc"`
}

// Doc is a retrieved chunk as sent to clients.
type Doc struct {
	PageContent string      `json:"pageContent"`
	Metadata    DocMetadata `json:"metadata"`
	Score       float32     `json:"score"`
}

// DocsEvent carries the retrieved sources. Always first in a stream.
type DocsEvent struct {
	Docs []Doc
}

// ContentEvent carries one non-empty answer delta.
type ContentEvent struct {
	Content string
}

// EndEvent terminates a successful stream.
type EndEvent struct{}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Message string
}

func (DocsEvent) Type() string    { return TypeDocs }
func (ContentEvent) Type() string { return TypeContent }
func (EndEvent) Type() string     { return TypeEnd }
func (ErrorEvent) Type() string   { return TypeError }

func (DocsEvent) sealed()    {}
func (ContentEvent) sealed() {}
func (EndEvent) sealed()     {}
func (ErrorEvent) sealed()   {}

// Terminal reports whether e ends a stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case EndEvent, *EndEvent, ErrorEvent, *ErrorEvent:
		return true
	}
	return false
}

type wireEvent struct {
	Type    string  `json:"type"`
	Docs    *[]Doc  `json:"docs,omitempty"`
	Content *string `json:"content,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// Marshal encodes e as its JSON wire form.
func Marshal(e Event) ([]byte, error) {
	w := wireEvent{Type: e.Type()}
	switch ev := e.(type) {
	case DocsEvent:
		docs := ev.Docs
		if docs == nil {
			docs = []Doc{}
		}
		w.Docs = &docs
	case ContentEvent:
		w.Content = &ev.Content
	case EndEvent:
	case ErrorEvent:
		w.Error = &ev.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
	return json.Marshal(w)
}

// Unmarshal decodes one JSON wire event.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	switch w.Type {
	case TypeDocs:
		if w.Docs == nil {
			return nil, fmt.Errorf("%w: docs event without docs", ErrMalformedEvent)
		}
		return DocsEvent{Docs: *w.Docs}, nil
	case TypeContent:
		if w.Content == nil {
			return nil, fmt.Errorf("%w: content event without content", ErrMalformedEvent)
		}
		return ContentEvent{Content: *w.Content}, nil
	case TypeEnd:
		return EndEvent{}, nil
	case TypeError:
		msg := ""
		if w.Error != nil {
			msg = *w.Error
		}
		return ErrorEvent{Message: msg}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
}
