package agent

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	sectionStartPrefix = "===SECTION_START:"
	sectionMarkerClose = "==="
	sectionEndMarker   = "===SECTION_END==="
)

// SectionTypes is the closed set of answer section types.
var SectionTypes = []string{
	"empathy", "fact_check", "analysis", "recommendation",
	"warning", "encouragement", "next_step",
}

func validSectionType(t string) bool {
	for _, s := range SectionTypes {
		if s == t {
			return true
		}
	}
	return false
}

type Section struct {
	Type string
	Body string
}

// ParseSections validates a full answer against the section grammar and
// returns the sections in order. Text outside sections is rejected,
// apart from inter-section whitespace.
func ParseSections(text string) ([]Section, error) {
	var out []Section
	rest := text
	for {
		if strings.TrimSpace(rest) == "" {
			return out, nil
		}
		start := strings.Index(rest, sectionStartPrefix)
		if start < 0 {
			return nil, fmt.Errorf("stray text outside sections: %q", snippet(rest))
		}
		if strings.TrimSpace(rest[:start]) != "" {
			return nil, fmt.Errorf("stray text before section: %q", snippet(rest[:start]))
		}
		rest = rest[start+len(sectionStartPrefix):]

		close := strings.Index(rest, sectionMarkerClose)
		if close < 0 {
			return nil, fmt.Errorf("unterminated section start marker")
		}
		sectionType := rest[:close]
		if !validSectionType(sectionType) {
			return nil, fmt.Errorf("unknown section type %q", sectionType)
		}
		rest = rest[close+len(sectionMarkerClose):]

		end := strings.Index(rest, sectionEndMarker)
		if end < 0 {
			return nil, fmt.Errorf("section %q missing end marker", sectionType)
		}
		out = append(out, Section{Type: sectionType, Body: rest[:end]})
		rest = rest[end+len(sectionEndMarker):]
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

var citeRe = regexp.MustCompile(`<cite data-source="([^"]*)" data-url="([^"]*)">(.*?)</cite>`)

type Cite struct {
	Source string
	URL    string
	Text   string
}

// ExtractCites returns every citation tag in document order.
func ExtractCites(text string) []Cite {
	matches := citeRe.FindAllStringSubmatch(text, -1)
	out := make([]Cite, 0, len(matches))
	for _, m := range matches {
		out = append(out, Cite{Source: m[1], URL: m[2], Text: m[3]})
	}
	return out
}
