package score

import (
	"fmt"
	"strings"
)

// ReverseFilters restricts a reverse search. Empty slices mean
// unrestricted.
type ReverseFilters struct {
	Universities []string
	Majors       []string
	Bands        []Band
}

// ReverseSearch classifies every historical cutoff record against the
// student's per-university total and returns the matching placements,
// safest band first, closest cutoff first within a band.
func (e *Engine) ReverseSearch(scores NormalizedScores, filters ReverseFilters) ([]Placement, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("empty normalized scores")
	}

	wantUniv := toSet(filters.Universities)
	wantBand := map[Band]bool{}
	for _, b := range filters.Bands {
		if ValidBand(b) {
			wantBand[b] = true
		}
	}

	// One conversion per university, reused across its cutoff rows.
	totals := make(map[string]*Conversion, len(e.ordered))

	var out []Placement
	for _, rec := range e.cutoffs {
		if len(wantUniv) > 0 && !wantUniv[rec.University] {
			continue
		}
		if len(filters.Majors) > 0 && !majorMatches(rec.Major, filters.Majors) {
			continue
		}

		conv, ok := totals[rec.University]
		if !ok {
			var err error
			conv, err = e.Convert(rec.University, scores)
			if err != nil {
				return nil, err
			}
			totals[rec.University] = conv
		}

		band, classified := e.classify(conv.Total, rec.Cutoff, conv.Scale)
		if !classified {
			continue
		}
		if len(wantBand) > 0 && !wantBand[band] {
			continue
		}

		out = append(out, Placement{
			University: rec.University,
			Major:      rec.Major,
			Year:       rec.Year,
			Band:       band,
			Total:      conv.Total,
			Cutoff:     rec.Cutoff,
			Gap:        round2(conv.Total - rec.Cutoff),
		})
	}

	sortPlacements(out)
	return out, nil
}

// classify places a total relative to a cutoff. Deltas are per-mille of
// the formula scale so the same parameters work across universities
// with different total ranges. Totals below the challenge floor are
// unclassified.
func (e *Engine) classify(total, cutoff, scale float64) (Band, bool) {
	if scale <= 0 {
		return "", false
	}
	diff := (total - cutoff) / scale * 1000

	switch {
	case diff >= e.bands.Delta1:
		return BandStable, true
	case diff >= -e.bands.Delta2:
		return BandFit, true
	case diff >= -e.bands.Delta3:
		return BandReach, true
	case diff >= -e.bands.Delta4:
		return BandChallenge, true
	}
	return "", false
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out[n] = true
		}
	}
	return out
}

func majorMatches(major string, wanted []string) bool {
	for _, w := range wanted {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(major, w) || strings.Contains(w, major) {
			return true
		}
	}
	return false
}
