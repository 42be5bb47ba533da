package agent

import (
	"strings"
	"testing"
)

// feed streams text through a coalescer in fixed-size deltas, the way
// model tokens arrive, and returns the emitted chunks.
func feed(text string, deltaSize int) []string {
	var chunks []string
	c := NewCoalescer(func(s string) { chunks = append(chunks, s) })
	for i := 0; i < len(text); i += deltaSize {
		end := i + deltaSize
		if end > len(text) {
			end = len(text)
		}
		c.Write(text[i:end])
	}
	c.Flush()
	return chunks
}

func TestCoalescer_PreservesContent(t *testing.T) {
	text := "===SECTION_START:analysis===" + strings.Repeat("내용 ", 100) + "===SECTION_END==="
	for _, size := range []int{1, 3, 7, 64, 500} {
		chunks := feed(text, size)
		if strings.Join(chunks, "") != text {
			t.Fatalf("delta size %d: reassembled text differs", size)
		}
	}
}

func TestCoalescer_NeverSplitsMarkers(t *testing.T) {
	text := "===SECTION_START:empathy===" + strings.Repeat("a", 90) + "===SECTION_END===" +
		"===SECTION_START:recommendation===" + strings.Repeat("b", 90) + "===SECTION_END==="

	markers := []string{
		"===SECTION_START:empathy===",
		"===SECTION_START:recommendation===",
		"===SECTION_END===",
	}
	for _, size := range []int{1, 2, 5, 13, 64} {
		chunks := feed(text, size)
		for i := 1; i < len(chunks); i++ {
			if markerSpansBoundary(chunks[i-1], chunks[i], markers) {
				t.Fatalf("delta size %d: marker split between %q and %q", size, chunks[i-1], chunks[i])
			}
		}
	}
}

// markerSpansBoundary reports whether any marker occurrence in a+b
// straddles the emission boundary between a and b.
func markerSpansBoundary(a, b string, markers []string) bool {
	joined := a + b
	for _, marker := range markers {
		from := 0
		for {
			idx := strings.Index(joined[from:], marker)
			if idx < 0 {
				break
			}
			idx += from
			if idx < len(a) && idx+len(marker) > len(a) {
				return true
			}
			from = idx + 1
		}
	}
	return false
}

func TestCoalescer_EmitsThroughMarkerEndingTheBuffer(t *testing.T) {
	// A delta landing exactly on a marker close must not leave the
	// trailing === held back as a phantom prefix of the next marker.
	markers := []string{
		"===SECTION_START:analysis===",
		"===SECTION_END===",
	}
	cases := []struct {
		name   string
		marker string
	}{
		{"end marker", "===SECTION_END==="},
		{"start marker", "===SECTION_START:analysis==="},
	}
	for _, tc := range cases {
		head := strings.Repeat("x", 61)
		var chunks []string
		c := NewCoalescer(func(s string) { chunks = append(chunks, s) })
		c.Write(head)
		c.Write(tc.marker)
		c.Flush()

		if strings.Join(chunks, "") != head+tc.marker {
			t.Fatalf("%s: content altered: %v", tc.name, chunks)
		}
		for i := 1; i < len(chunks); i++ {
			if markerSpansBoundary(chunks[i-1], chunks[i], markers) {
				t.Fatalf("%s: marker split between %q and %q", tc.name, chunks[i-1], chunks[i])
			}
		}
		if !strings.HasSuffix(chunks[0], tc.marker) {
			t.Fatalf("%s: first emission should carry the whole marker, got %q", tc.name, chunks[0])
		}
	}
}

func TestCoalescer_BatchesSmallDeltas(t *testing.T) {
	var chunks []string
	c := NewCoalescer(func(s string) { chunks = append(chunks, s) })
	for i := 0; i < 10; i++ {
		c.Write("ab")
	}
	if len(chunks) != 0 {
		t.Fatalf("20 bytes should still be buffered, got %d emissions", len(chunks))
	}
	c.Flush()
	if len(chunks) != 1 || chunks[0] != strings.Repeat("ab", 10) {
		t.Fatalf("flush should emit the full buffer: %v", chunks)
	}
}
