package score

import (
	"fmt"
	"sort"
)

// Normalize fills the missing quantitative fields of every subject
// present in the snapshot from the reference conversion tables. The
// result covers exactly the subjects present in the input.
func (e *Engine) Normalize(snapshot ScoreSnapshot) (NormalizedScores, error) {
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("empty score snapshot")
	}

	out := make(NormalizedScores, len(snapshot))

	// Map iteration order is random; walk the closed subject list so
	// error messages are stable.
	for _, subject := range AllSubjects {
		in, ok := snapshot[subject]
		if !ok {
			continue
		}
		norm, err := e.normalizeSubject(subject, in)
		if err != nil {
			return nil, err
		}
		out[subject] = norm
	}

	// Reject unknown subject keys instead of silently dropping them.
	if len(out) != len(snapshot) {
		known := make(map[Subject]bool, len(AllSubjects))
		for _, s := range AllSubjects {
			known[s] = true
		}
		var bad []string
		for s := range snapshot {
			if !known[s] {
				bad = append(bad, string(s))
			}
		}
		sort.Strings(bad)
		return nil, fmt.Errorf("unknown subjects: %v", bad)
	}

	return out, nil
}

func (e *Engine) normalizeSubject(subject Subject, in SubjectInput) (NormalizedSubject, error) {
	table := e.tableFor(subject)
	if table == nil {
		return NormalizedSubject{}, fmt.Errorf("no conversion table for subject %q", subject)
	}

	if in.Grade == nil && in.StandardScore == nil && in.Percentile == nil {
		return NormalizedSubject{}, fmt.Errorf("subject %q has no quantitative fields", subject)
	}
	if in.Grade != nil && (*in.Grade < 1 || *in.Grade > 9) {
		return NormalizedSubject{}, fmt.Errorf("subject %q: grade %d out of range", subject, *in.Grade)
	}
	if in.Percentile != nil && (*in.Percentile < 0 || *in.Percentile > 100) {
		return NormalizedSubject{}, fmt.Errorf("subject %q: percentile %.1f out of range", subject, *in.Percentile)
	}

	norm := NormalizedSubject{Elective: in.Elective, RawKept: isInquiry(subject)}

	switch {
	case in.Grade != nil && in.StandardScore != nil && in.Percentile != nil:
		norm.Grade = *in.Grade
		norm.StandardScore = *in.StandardScore
		norm.Percentile = *in.Percentile

	case in.Grade != nil:
		row := table[*in.Grade-1]
		norm.Grade = *in.Grade
		norm.StandardScore = row.StandardScore
		norm.Percentile = row.Percentile
		if in.StandardScore != nil {
			norm.StandardScore = *in.StandardScore
		}
		if in.Percentile != nil {
			norm.Percentile = *in.Percentile
		}

	case in.Percentile != nil:
		row := rowByPercentile(table, *in.Percentile)
		norm.Grade = row.Grade
		norm.Percentile = *in.Percentile
		norm.StandardScore = row.StandardScore
		if in.StandardScore != nil {
			norm.StandardScore = *in.StandardScore
		}

	default: // only standard score
		row := rowByStandardScore(table, *in.StandardScore)
		norm.Grade = row.Grade
		norm.StandardScore = *in.StandardScore
		norm.Percentile = row.Percentile
	}

	return norm, nil
}

// rowByPercentile finds the grade row whose percentile floor admits the
// given percentile. Rows are ordered grade 1..9 with descending floors.
func rowByPercentile(table []tableRow, pct float64) tableRow {
	for _, row := range table {
		if pct >= row.MinPercentile {
			return row
		}
	}
	return table[len(table)-1]
}

// rowByStandardScore picks the row with the nearest representative
// standard score, preferring the better grade on exact ties.
func rowByStandardScore(table []tableRow, std float64) tableRow {
	best := table[0]
	bestDist := abs(std - best.StandardScore)
	for _, row := range table[1:] {
		d := abs(std - row.StandardScore)
		if d < bestDist {
			best = row
			bestDist = d
		}
	}
	return best
}
