// Package sse implements the minimal server-sent-events reader the
// backend adapters share: line-based parsing of event and data fields
// with blank-line separation.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one SSE event. Name is empty for unnamed events.
type Event struct {
	Name string
	Data string
}

// Scanner reads SSE events from a response body.
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps a stream body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF when the stream ends.
// Multi-line data fields are joined with newlines per the SSE spec.
func (s *Scanner) Next() (Event, error) {
	var ev Event
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}
		eof := err == io.EOF
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		default:
			if name, ok := strings.CutPrefix(line, "event:"); ok {
				ev.Name = strings.TrimSpace(name)
			} else if payload, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimSpace(payload))
			}
		}

		if eof {
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}
