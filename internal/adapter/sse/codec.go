// Package sse frames and deframes Server-Sent Events byte streams.
//
// The decoder is incremental: feed it arbitrary byte chunks and it returns
// whole events as they complete, holding partial trailing bytes internally.
// Non-data lines (event:, id:, retry:, comments) pass through untouched so
// upstream framing survives a decode/encode round trip.
package sse

import (
	"bytes"
	"strings"
)

const dataPrefix = "data:"

// Event is a single decoded SSE frame.
type Event struct {
	// Data is the joined payload of all data: lines, nil when the frame
	// carried none. A frame with an empty data: line has Data of length 0.
	Data []byte
	// OtherLines holds every non-data line verbatim, in arrival order.
	OtherLines []string
}

// IsDone reports whether the event is the OpenAI stream terminator.
func (e *Event) IsDone() bool {
	return e.Data != nil && strings.TrimSpace(string(e.Data)) == "[DONE]"
}

// HasData reports whether the frame carried at least one data: line.
func (e *Event) HasData() bool {
	return e.Data != nil
}

// Decoder splits a byte stream into SSE events. Line endings are normalised
// to \n on the way in (\r\n and bare \r both count as line terminators).
// Zero value is ready to use; not safe for concurrent use.
type Decoder struct {
	carry  []byte
	lastCR bool
}

// Feed appends chunk to the internal buffer and returns all events completed
// by it. Incomplete trailing bytes stay buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}

	d.carry = d.normalise(d.carry, chunk)

	var events []Event
	for {
		idx := bytes.Index(d.carry, []byte("\n\n"))
		if idx < 0 {
			break
		}
		raw := d.carry[:idx]
		d.carry = d.carry[idx+2:]

		if ev, ok := parseFrame(raw); ok {
			events = append(events, ev)
		}
	}

	// avoid unbounded aliasing of the original backing array
	if len(d.carry) == 0 {
		d.carry = nil
	}

	return events
}

// Flush returns any buffered bytes that never completed a frame and resets
// the decoder. Callers forward the residue raw so a stream that ends without
// the final \n\n does not lose its tail.
func (d *Decoder) Flush() []byte {
	if len(d.carry) == 0 {
		d.carry = nil
		d.lastCR = false
		return nil
	}
	rest := d.carry
	d.carry = nil
	d.lastCR = false
	return rest
}

// Buffered reports how many bytes are held awaiting a frame boundary.
func (d *Decoder) Buffered() int {
	return len(d.carry)
}

// normalise appends chunk to dst converting \r\n and bare \r to \n. A
// trailing \r is converted eagerly and the pairing \n, if it arrives at the
// start of the next chunk, is dropped via the lastCR flag.
func (d *Decoder) normalise(dst, chunk []byte) []byte {
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch c {
		case '\r':
			dst = append(dst, '\n')
			d.lastCR = true
		case '\n':
			if d.lastCR {
				d.lastCR = false
				continue
			}
			dst = append(dst, '\n')
		default:
			dst = append(dst, c)
			d.lastCR = false
		}
	}
	return dst
}

// parseFrame splits one raw frame into data payload and passthrough lines.
// Frames with no lines at all (stray blank separators) are dropped.
func parseFrame(raw []byte) (Event, bool) {
	if len(raw) == 0 {
		return Event{}, false
	}

	var ev Event
	var dataParts [][]byte
	sawLine := false

	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		sawLine = true

		if bytes.HasPrefix(line, []byte(dataPrefix)) {
			value := line[len(dataPrefix):]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			dataParts = append(dataParts, value)
			continue
		}
		ev.OtherLines = append(ev.OtherLines, string(line))
	}

	if !sawLine {
		return Event{}, false
	}

	if dataParts != nil {
		ev.Data = bytes.Join(dataParts, []byte("\n"))
	}
	return ev, true
}

// Encode renders the event back to wire format: other lines first, then each
// \n-split data chunk as its own data: line, then the blank separator.
func Encode(ev Event) []byte {
	var buf bytes.Buffer
	EncodeTo(&buf, ev)
	return buf.Bytes()
}

// EncodeTo renders the event into buf, for callers recycling buffers.
func EncodeTo(buf *bytes.Buffer, ev Event) {
	for _, line := range ev.OtherLines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if ev.Data != nil {
		for _, part := range bytes.Split(ev.Data, []byte("\n")) {
			buf.WriteString(dataPrefix)
			buf.WriteByte(' ')
			buf.Write(part)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
}
