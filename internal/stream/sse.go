package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// SetHeaders prepares w for an event stream response.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Writer frames events as "data: <json>\n\n" and flushes after each one
// when the destination supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Send writes one event.
func (sw *Writer) Send(e Event) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Reader decodes events from an SSE body. Only "data" fields are used;
// comments and other fields are ignored.
type Reader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF when the body ends;
// an event cut off by the end of the body is dropped. Errors wrapping
// ErrUnknownEvent leave the reader usable.
func (sr *Reader) Next() (Event, error) {
	data, err := sr.NextData()
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// NextData returns the raw data payload of the next event, with multiple
// data lines joined by newlines. The slice is valid until the next call.
func (sr *Reader) NextData() ([]byte, error) {
	sr.buf.Reset()
	hasData := false
	for {
		line, err := sr.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		complete := err == nil
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if !complete {
				return nil, io.EOF
			}
			if hasData {
				return sr.buf.Bytes(), nil
			}
			continue
		}
		if !complete {
			// Final line without its terminating blank line.
			return nil, io.EOF
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		if string(field) != "data" {
			continue
		}
		if hasData {
			sr.buf.WriteByte('\n')
		}
		sr.buf.Write(value)
		hasData = true
	}
}
