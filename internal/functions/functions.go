// Package functions holds the knowledge functions the router can plan:
// corpus retrieval per university and the score consult. Every function
// produces the same evidence shape so the synthesizer can cite
// retrieval hits and computed analysis uniformly.
package functions

import (
	"strconv"
	"strings"
)

// Chunk is one evidence block handed to the synthesizer.
type Chunk struct {
	Content    string  `json:"content"`
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	FileURL    string  `json:"file_url"`
	Page       *int    `json:"page,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Citation is the descriptor the synthesizer may reference.
type Citation struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	FileURL string `json:"file_url"`
	Page    *int   `json:"page,omitempty"`
}

// Output is one executed function call's result. A failed or empty call
// still yields an Output so the plan order survives into synthesis;
// Note carries a diagnostic the synthesizer may surface.
type Output struct {
	Function   string         `json:"function"`
	Params     map[string]any `json:"params,omitempty"`
	Chunks     []Chunk        `json:"chunks"`
	Count      int            `json:"count"`
	University string         `json:"university,omitempty"`
	Query      string         `json:"query,omitempty"`

	TargetUniv      []string `json:"target_univ,omitempty"`
	TargetMajor     []string `json:"target_major,omitempty"`
	ExtractedScores any      `json:"extracted_scores,omitempty"`

	Note string `json:"note,omitempty"`
}

// Citations derives the descriptor set from the output's chunks,
// de-duplicated by (source, file_url, page).
func (o *Output) Citations() []Citation {
	if o == nil {
		return nil
	}
	seen := map[string]bool{}
	out := make([]Citation, 0, len(o.Chunks))
	for _, ch := range o.Chunks {
		key := ch.Source + "|" + ch.FileURL
		if ch.Page != nil {
			key += "|" + strconv.Itoa(*ch.Page)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Citation{Title: ch.Title, Source: ch.Source, FileURL: ch.FileURL, Page: ch.Page})
	}
	return out
}

// TokenProxy estimates LLM tokens for Korean-heavy prose: runes times
// two thirds, rounded up.
func TokenProxy(content string) int {
	runes := len([]rune(content))
	return (runes*2 + 2) / 3
}

// TokenBudget is the per-call evidence budget in proxy tokens.
const TokenBudget = 6000

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
