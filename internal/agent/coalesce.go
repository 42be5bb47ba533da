package agent

import "strings"

// coalesceMinBytes is the minimum emitted chunk size while streaming;
// the tail flush may be smaller.
const coalesceMinBytes = 64

// maxMarkerHold bounds how much text the coalescer withholds while a
// possible marker is still incomplete at the buffer edge.
const maxMarkerHold = 48

// Coalescer batches model token deltas into client chunks without ever
// splitting a ===SECTION_...=== marker across two emissions.
type Coalescer struct {
	emit func(string)
	buf  strings.Builder
}

func NewCoalescer(emit func(string)) *Coalescer {
	return &Coalescer{emit: emit}
}

func (c *Coalescer) Write(delta string) {
	if delta == "" {
		return
	}
	c.buf.WriteString(delta)
	if c.buf.Len() < coalesceMinBytes {
		return
	}
	text := c.buf.String()
	send, hold := splitBeforeMarker(text)
	if send == "" {
		return
	}
	c.buf.Reset()
	c.buf.WriteString(hold)
	c.emit(send)
}

// Flush drains everything, including a withheld partial marker.
func (c *Coalescer) Flush() {
	if c.buf.Len() == 0 {
		return
	}
	text := c.buf.String()
	c.buf.Reset()
	c.emit(text)
}

// splitBeforeMarker finds the longest suffix of text that could still
// grow into a section marker and holds it back.
func splitBeforeMarker(text string) (send, hold string) {
	// A buffer ending exactly on a completed marker needs no hold: the
	// trailing === belongs to that marker, not to a marker still
	// streaming in, and the next marker brings its own delimiters.
	if endsWithCompleteMarker(text) {
		return text, ""
	}
	maxHold := maxMarkerHold
	if maxHold > len(text) {
		maxHold = len(text)
	}
	for l := maxHold; l > 0; l-- {
		suffix := text[len(text)-l:]
		if isMarkerPrefix(suffix) {
			return text[:len(text)-l], suffix
		}
	}
	return text, ""
}

// endsWithCompleteMarker reports whether text ends exactly at the close
// of a full end marker or start marker.
func endsWithCompleteMarker(text string) bool {
	if strings.HasSuffix(text, sectionEndMarker) {
		return true
	}
	if !strings.HasSuffix(text, sectionMarkerClose) {
		return false
	}
	idx := strings.LastIndex(text, sectionStartPrefix)
	if idx < 0 {
		return false
	}
	// The first close run after the type must end the buffer; extra
	// trailing equals signs mean a new marker may be starting.
	tail := text[idx+len(sectionStartPrefix):]
	return strings.Index(tail, sectionMarkerClose) == len(tail)-len(sectionMarkerClose)
}

// isMarkerPrefix reports whether s is a proper prefix of a marker: the
// fixed end marker, the start marker head, or a start marker whose type
// or closing run is still streaming in.
func isMarkerPrefix(s string) bool {
	if s == "" {
		return false
	}
	if len(s) < len(sectionEndMarker) && strings.HasPrefix(sectionEndMarker, s) {
		return true
	}
	if len(s) < len(sectionStartPrefix) {
		return strings.HasPrefix(sectionStartPrefix, s)
	}
	if !strings.HasPrefix(s, sectionStartPrefix) {
		return false
	}
	// Inside "===SECTION_START:<type>===": incomplete until the closing
	// run arrives.
	tail := s[len(sectionStartPrefix):]
	return !strings.Contains(tail, sectionMarkerClose)
}
