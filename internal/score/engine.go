// Package score is the pure admissions score engine: normalization of
// heterogeneous raw scores, per-university conversion formulas and
// reverse search against historical cutoffs. No I/O, no clock, no
// randomness; identical input yields identical output.
package score

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/engine.yaml
var engineYAML []byte

type Subject string

const (
	SubjectKorean   Subject = "korean"
	SubjectMath     Subject = "math"
	SubjectEnglish  Subject = "english"
	SubjectInquiry1 Subject = "inquiry1"
	SubjectInquiry2 Subject = "inquiry2"
	SubjectHistory  Subject = "history"
)

// AllSubjects is the closed subject set in canonical order.
var AllSubjects = []Subject{
	SubjectKorean,
	SubjectMath,
	SubjectEnglish,
	SubjectInquiry1,
	SubjectInquiry2,
	SubjectHistory,
}

type Band string

const (
	BandStable    Band = "안정"
	BandFit       Band = "적정"
	BandReach     Band = "소신"
	BandChallenge Band = "도전"
)

// AllBands in presentation order, safest first.
var AllBands = []Band{BandStable, BandFit, BandReach, BandChallenge}

func ValidBand(b Band) bool {
	switch b {
	case BandStable, BandFit, BandReach, BandChallenge:
		return true
	}
	return false
}

// SubjectInput is one raw subject entry as extracted from the user's
// utterance. Any quantitative field may be absent.
type SubjectInput struct {
	Grade         *int     `json:"grade,omitempty"`
	StandardScore *float64 `json:"standard_score,omitempty"`
	Percentile    *float64 `json:"percentile,omitempty"`
	Elective      string   `json:"elective,omitempty"`
}

type ScoreSnapshot map[Subject]SubjectInput

// NormalizedSubject always carries all three quantitative fields.
type NormalizedSubject struct {
	Grade         int     `json:"grade"`
	StandardScore float64 `json:"standard_score"`
	Percentile    float64 `json:"percentile"`
	Elective      string  `json:"elective,omitempty"`
	// RawKept marks inquiry subjects whose standard score is recomputed
	// per university via conversion tables.
	RawKept bool `json:"-"`
}

type NormalizedScores map[Subject]NormalizedSubject

// Conversion is one university's view of a normalized score set.
type Conversion struct {
	University string              `json:"university"`
	Total      float64             `json:"total"`
	Scale      float64             `json:"scale"`
	Breakdown  map[Subject]float64 `json:"breakdown"`
}

// Placement is one reverse-search hit.
type Placement struct {
	University string  `json:"university"`
	Major      string  `json:"major"`
	Year       int     `json:"year"`
	Band       Band    `json:"band"`
	Total      float64 `json:"total"`
	Cutoff     float64 `json:"cutoff"`
	Gap        float64 `json:"gap"`
}

// BandDeltas are the classification margins in per-mille of each
// university's scale. Defaults ship in the embedded data; deployments
// can override them at construction.
type BandDeltas struct {
	Delta1 float64 `yaml:"delta1"`
	Delta2 float64 `yaml:"delta2"`
	Delta3 float64 `yaml:"delta3"`
	Delta4 float64 `yaml:"delta4"`
}

type tableRow struct {
	Grade         int     `yaml:"grade"`
	StandardScore float64 `yaml:"standard_score"`
	Percentile    float64 `yaml:"percentile"`
	MinPercentile float64 `yaml:"min_percentile"`
}

type conversionPoint struct {
	Percentile float64 `yaml:"percentile"`
	Converted  float64 `yaml:"converted"`
}

type formulaSpec struct {
	University        string             `yaml:"university"`
	Scale             float64            `yaml:"scale"`
	ScoreType         string             `yaml:"score_type"`
	SubjectWeights    map[string]float64 `yaml:"subject_weights"`
	EnglishPenalty    map[int]float64    `yaml:"english_penalty"`
	HistoryPenalty    map[int]float64    `yaml:"history_penalty"`
	InquiryConversion []conversionPoint  `yaml:"inquiry_conversion"`
}

// CutoffRecord is one historical admission cutoff on the owning
// university's scale.
type CutoffRecord struct {
	University string  `yaml:"university"`
	Major      string  `yaml:"major"`
	Year       int     `yaml:"year"`
	Cutoff     float64 `yaml:"cutoff"`
}

type engineData struct {
	Version  string                `yaml:"version"`
	ExamYear int                   `yaml:"exam_year"`
	Tables   map[string][]tableRow `yaml:"tables"`
	Bands    BandDeltas            `yaml:"bands"`
	Formulas []formulaSpec         `yaml:"formulas"`
	Cutoffs  []CutoffRecord        `yaml:"cutoffs"`
}

type Engine struct {
	version  string
	examYear int
	tables   map[string][]tableRow
	formulas map[string]formulaSpec
	ordered  []string
	bands    BandDeltas
	cutoffs  []CutoffRecord
}

// New parses the embedded reference data. A non-nil deltas overrides
// the bundled band parameters.
func New(deltas *BandDeltas) (*Engine, error) {
	var data engineData
	if err := yaml.Unmarshal(engineYAML, &data); err != nil {
		return nil, fmt.Errorf("score data parse: %w", err)
	}
	if data.Version == "" {
		return nil, fmt.Errorf("score data missing version")
	}
	for _, name := range []string{"korean", "math", "english", "history", "inquiry"} {
		rows := data.Tables[name]
		if len(rows) != 9 {
			return nil, fmt.Errorf("score table %q: expected 9 grade rows, got %d", name, len(rows))
		}
		for i, row := range rows {
			if row.Grade != i+1 {
				return nil, fmt.Errorf("score table %q: row %d has grade %d", name, i, row.Grade)
			}
		}
	}
	if len(data.Formulas) == 0 {
		return nil, fmt.Errorf("score data has no formulas")
	}

	formulas := make(map[string]formulaSpec, len(data.Formulas))
	ordered := make([]string, 0, len(data.Formulas))
	for _, f := range data.Formulas {
		name := strings.TrimSpace(f.University)
		if name == "" || f.Scale <= 0 {
			return nil, fmt.Errorf("invalid formula entry %q", f.University)
		}
		switch f.ScoreType {
		case "standard", "percentile", "converted":
		default:
			return nil, fmt.Errorf("formula %q: unknown score_type %q", name, f.ScoreType)
		}
		if _, dup := formulas[name]; dup {
			return nil, fmt.Errorf("duplicate formula for %q", name)
		}
		formulas[name] = f
		ordered = append(ordered, name)
	}

	bands := data.Bands
	if deltas != nil {
		bands = *deltas
	}
	if bands.Delta1 <= 0 || bands.Delta2 <= 0 || bands.Delta3 <= bands.Delta2 || bands.Delta4 <= bands.Delta3 {
		return nil, fmt.Errorf("invalid band deltas: %+v", bands)
	}

	for _, rec := range data.Cutoffs {
		if _, ok := formulas[rec.University]; !ok {
			return nil, fmt.Errorf("cutoff for %q has no formula", rec.University)
		}
	}

	return &Engine{
		version:  data.Version,
		examYear: data.ExamYear,
		tables:   data.Tables,
		formulas: formulas,
		ordered:  ordered,
		bands:    bands,
		cutoffs:  data.Cutoffs,
	}, nil
}

func (e *Engine) Version() string { return e.version }
func (e *Engine) ExamYear() int   { return e.examYear }

// Universities returns the formula registry's closed university set in
// data order.
func (e *Engine) Universities() []string {
	out := make([]string, len(e.ordered))
	copy(out, e.ordered)
	return out
}

func (e *Engine) HasUniversity(name string) bool {
	_, ok := e.formulas[strings.TrimSpace(name)]
	return ok
}

func (e *Engine) tableFor(subject Subject) []tableRow {
	switch subject {
	case SubjectKorean:
		return e.tables["korean"]
	case SubjectMath:
		return e.tables["math"]
	case SubjectEnglish:
		return e.tables["english"]
	case SubjectHistory:
		return e.tables["history"]
	case SubjectInquiry1, SubjectInquiry2:
		return e.tables["inquiry"]
	}
	return nil
}

func isInquiry(subject Subject) bool {
	return subject == SubjectInquiry1 || subject == SubjectInquiry2
}

// interpolate maps a percentile through a piecewise-linear table,
// clamping outside the endpoints.
func interpolate(points []conversionPoint, pct float64) float64 {
	if len(points) == 0 {
		return 0
	}
	if pct <= points[0].Percentile {
		return points[0].Converted
	}
	last := points[len(points)-1]
	if pct >= last.Percentile {
		return last.Converted
	}
	for i := 1; i < len(points); i++ {
		lo, hi := points[i-1], points[i]
		if pct <= hi.Percentile {
			span := hi.Percentile - lo.Percentile
			if span <= 0 {
				return hi.Converted
			}
			frac := (pct - lo.Percentile) / span
			return lo.Converted + frac*(hi.Converted-lo.Converted)
		}
	}
	return last.Converted
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}

func sortPlacements(out []Placement) {
	bandRank := map[Band]int{BandStable: 0, BandFit: 1, BandReach: 2, BandChallenge: 3}
	sort.SliceStable(out, func(i, j int) bool {
		if bandRank[out[i].Band] != bandRank[out[j].Band] {
			return bandRank[out[i].Band] < bandRank[out[j].Band]
		}
		di, dj := abs(out[i].Gap), abs(out[j].Gap)
		if di != dj {
			return di < dj
		}
		if out[i].University != out[j].University {
			return out[i].University < out[j].University
		}
		return out[i].Major < out[j].Major
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
