// Package sse decodes the server-sent-event stream the backend uses to
// deliver assistant replies: `data: <json string>` frames separated by a
// blank line, closed by `data: [DONE]`, with failures reported as
// `data: ERROR: <message>`.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	doneSentinel = "[DONE]"
	errorPrefix  = "ERROR:"
)

// FrameKind classifies a decoded event payload.
type FrameKind int

const (
	FrameFragment FrameKind = iota
	FrameDone
	FrameError
	FrameInvalid
)

func (k FrameKind) String() string {
	switch k {
	case FrameFragment:
		return "fragment"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	default:
		return "invalid"
	}
}

// Frame is one decoded event. Text holds the fragment for FrameFragment and
// the server message for FrameError; Err explains a FrameInvalid.
type Frame struct {
	Kind FrameKind
	Text string
	Raw  string
	Err  error
}

// Decoder reads frames from a byte stream. Chunk boundaries of the
// underlying reader do not matter; partial lines are buffered until complete.
type Decoder struct {
	r    *bufio.Reader
	data []string
	eof  bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF once the stream is
// exhausted; any other error comes from the underlying reader.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.eof {
			if payload, ok := d.flush(); ok {
				return Classify(payload), nil
			}
			return Frame{}, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("sse: read: %w", err)
			}
			d.eof = true
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if payload, ok := d.flush(); ok {
				return Classify(payload), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found || field != "data" {
			// event:, id: and retry: carry nothing for this protocol.
			continue
		}
		d.data = append(d.data, strings.TrimPrefix(value, " "))
	}
}

func (d *Decoder) flush() (string, bool) {
	if len(d.data) == 0 {
		return "", false
	}
	payload := strings.Join(d.data, "\n")
	d.data = d.data[:0]
	return payload, true
}

// Classify interprets a single event payload.
func Classify(payload string) Frame {
	trimmed := strings.TrimSpace(payload)
	if trimmed == doneSentinel {
		return Frame{Kind: FrameDone, Raw: payload}
	}
	if strings.HasPrefix(trimmed, errorPrefix) {
		return Frame{
			Kind: FrameError,
			Text: strings.TrimSpace(strings.TrimPrefix(trimmed, errorPrefix)),
			Raw:  payload,
		}
	}
	var fragment string
	if err := json.Unmarshal([]byte(trimmed), &fragment); err != nil {
		return Frame{Kind: FrameInvalid, Raw: payload, Err: fmt.Errorf("sse: decode fragment: %w", err)}
	}
	return Frame{Kind: FrameFragment, Text: fragment, Raw: payload}
}
