package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Decoder incrementally parses an SSE byte stream into protocol events.
// Chunks may split frames at any byte boundary: mid-line, mid-JSON, or
// mid-frame. Feeding the same stream in different chunkings yields the
// same event sequence.
//
// Malformed frames (bad JSON, missing id, unknown kind) are logged and
// dropped; decoding continues with the next frame. Decoder is not safe
// for concurrent use.
type Decoder struct {
	buffer  string
	data    string
	hasData bool
	logger  *slog.Logger
}

// NewDecoder creates a decoder. A nil logger falls back to slog.Default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends chunk to the internal buffer and returns all events
// completed by it. A chunk may complete zero, one, or many frames.
func (d *Decoder) Feed(chunk string) []Event {
	d.buffer += chunk

	lines := strings.Split(d.buffer, "\n")
	// The last element is either empty (buffer ended on a newline) or an
	// incomplete line; either way it becomes the new buffer.
	d.buffer = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []Event
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			// Blank line terminates a frame.
			if d.hasData {
				if event, ok := d.decodeFrame(d.data); ok {
					events = append(events, event)
				}
			}
			d.data = ""
			d.hasData = false
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			// Multiple data lines within a frame are joined with newlines
			// per the SSE specification.
			if d.hasData {
				d.data += "\n" + value
			} else {
				d.data = value
				d.hasData = true
			}
		case "event", "id", "retry":
			// The payload is self-describing JSON; the SSE event type and
			// id fields carry no extra information on this protocol.
		}
	}

	return events
}

// Reset discards any buffered partial frame.
func (d *Decoder) Reset() {
	d.buffer = ""
	d.data = ""
	d.hasData = false
}

// decodeFrame parses one complete frame payload. Returns false when the
// frame must be dropped.
func (d *Decoder) decodeFrame(data string) (Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		d.logger.Warn("dropping malformed protocol frame", "error", err, "data", truncate(data, 200))
		return Event{}, false
	}
	if event.ID == "" {
		// Every event carries a unique id; its absence means the server
		// speaks a different protocol version.
		d.logger.Warn("dropping protocol frame without id", "kind", event.Kind)
		return Event{}, false
	}
	if !KnownKind(event.Kind) {
		d.logger.Warn("dropping protocol frame with unknown kind", "kind", event.Kind, "id", event.ID)
		return Event{}, false
	}
	return event, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
