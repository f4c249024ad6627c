// Package sseutil provides shared SSE reading utilities for provider adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 256 * 1024 // image and tool payloads can exceed 64KB

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and fields other than
// "event" and "data".
//
//	"event: <type>"   -> event=type, ok=true
//	"data: <payload>" -> data=payload, ok=true
//	": comment"       -> ok=false
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Each reads r line by line and calls fn for every data payload together
// with the most recent event name (reset after each data line). Iteration
// stops when fn returns false or the input ends.
func Each(r io.Reader, fn func(event, data string) bool) error {
	scanner := NewScanner(r)
	var current string
	for scanner.Scan() {
		event, data, ok := ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			current = event
			continue
		}
		if data == "" {
			continue
		}
		if !fn(current, data) {
			return nil
		}
		current = ""
	}
	return scanner.Err()
}
