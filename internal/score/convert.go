package score

import (
	"fmt"
	"strings"
)

// Convert applies one university's declarative formula to a normalized
// score set.
func (e *Engine) Convert(university string, scores NormalizedScores) (*Conversion, error) {
	university = strings.TrimSpace(university)
	formula, ok := e.formulas[university]
	if !ok {
		return nil, fmt.Errorf("no formula registered for %q", university)
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("empty normalized scores")
	}

	conv := &Conversion{
		University: university,
		Scale:      formula.Scale,
		Breakdown:  make(map[Subject]float64, len(scores)),
	}

	total := 0.0
	for _, subject := range AllSubjects {
		ns, present := scores[subject]
		if !present {
			continue
		}
		weight, weighted := formula.SubjectWeights[string(subject)]
		if !weighted || weight == 0 {
			continue
		}
		value := e.subjectValue(formula, subject, ns)
		contribution := round2(value * weight)
		conv.Breakdown[subject] = contribution
		total += contribution
	}

	// English and Korean history enter as deductions, not weights.
	if ns, ok := scores[SubjectEnglish]; ok {
		if penalty := formula.EnglishPenalty[ns.Grade]; penalty != 0 {
			conv.Breakdown[SubjectEnglish] = -penalty
			total -= penalty
		} else if _, weighted := formula.SubjectWeights[string(SubjectEnglish)]; !weighted {
			conv.Breakdown[SubjectEnglish] = 0
		}
	}
	if ns, ok := scores[SubjectHistory]; ok {
		if penalty := formula.HistoryPenalty[ns.Grade]; penalty != 0 {
			conv.Breakdown[SubjectHistory] = -penalty
			total -= penalty
		} else if _, weighted := formula.SubjectWeights[string(SubjectHistory)]; !weighted {
			conv.Breakdown[SubjectHistory] = 0
		}
	}

	conv.Total = round2(total)
	return conv, nil
}

// subjectValue picks the score dimension the formula consumes. The
// "converted" type recomputes inquiry standard scores through the
// university's own conversion table; other subjects fall back to the
// plain standard score.
func (e *Engine) subjectValue(formula formulaSpec, subject Subject, ns NormalizedSubject) float64 {
	switch formula.ScoreType {
	case "percentile":
		return ns.Percentile
	case "converted":
		if isInquiry(subject) && len(formula.InquiryConversion) > 0 {
			return interpolate(formula.InquiryConversion, ns.Percentile)
		}
		return ns.StandardScore
	default: // standard
		return ns.StandardScore
	}
}

// ConvertAll runs every registered formula, in registry order.
func (e *Engine) ConvertAll(scores NormalizedScores) ([]*Conversion, error) {
	out := make([]*Conversion, 0, len(e.ordered))
	for _, name := range e.ordered {
		conv, err := e.Convert(name, scores)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}
