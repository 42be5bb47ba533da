package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/score"
)

const consultSource = "점수 환산 엔진"

// ConsultFunc turns a score snapshot into synthetic evidence chunks:
// per-university conversions plus reverse-search placements.
type ConsultFunc interface {
	Consult(ctx context.Context, scores score.ScoreSnapshot, targetUniv, targetMajor []string, targetRange []score.Band) (*Output, error)
}

type consultFunc struct {
	log    *logger.Logger
	engine *score.Engine
}

func NewConsultFunc(log *logger.Logger, engine *score.Engine) ConsultFunc {
	return &consultFunc{
		log:    log.With("service", "ConsultFunc"),
		engine: engine,
	}
}

func (f *consultFunc) Consult(ctx context.Context, scores score.ScoreSnapshot, targetUniv, targetMajor []string, targetRange []score.Band) (*Output, error) {
	out := &Output{
		Function:    "consult",
		Chunks:      []Chunk{},
		TargetUniv:  cleanList(targetUniv),
		TargetMajor: cleanList(targetMajor),
	}

	normalized, err := f.engine.Normalize(scores)
	if err != nil {
		// Invalid scores are a user-input problem, not a system failure:
		// the synthesizer gets the diagnostic, the turn continues.
		out.Note = "성적 정보를 해석할 수 없습니다: " + err.Error()
		return out, nil
	}
	out.ExtractedScores = normalized

	universities := f.resolveTargets(out.TargetUniv)
	if len(universities) == 0 {
		out.Note = "지원한 대학 중 환산식이 등록된 대학이 없습니다"
		return out, nil
	}

	for _, name := range universities {
		conv, err := f.engine.Convert(name, normalized)
		if err != nil {
			f.log.Warn("conversion failed", "university", name, "error", err)
			continue
		}
		out.Chunks = append(out.Chunks, Chunk{
			Content: formatConversion(conv, normalized),
			Title:   name + " 수능 환산 점수",
			Source:  consultSource,
		})
	}

	placements, err := f.engine.ReverseSearch(normalized, score.ReverseFilters{
		Universities: universitiesFilter(out.TargetUniv, universities),
		Majors:       out.TargetMajor,
		Bands:        targetRange,
	})
	if err != nil {
		return nil, fmt.Errorf("reverse search: %w", err)
	}
	if len(placements) > 0 {
		out.Chunks = append(out.Chunks, Chunk{
			Content: formatPlacements(placements),
			Title:   "지원권 분석 (전년도 합격선 기준)",
			Source:  consultSource,
		})
	}

	out.Count = len(out.Chunks)
	return out, nil
}

// resolveTargets keeps only universities the formula registry knows;
// with no targets, every registered university is analyzed.
func (f *consultFunc) resolveTargets(targets []string) []string {
	if len(targets) == 0 {
		return f.engine.Universities()
	}
	out := make([]string, 0, len(targets))
	for _, name := range targets {
		if f.engine.HasUniversity(name) {
			out = append(out, name)
		} else {
			f.log.Debug("target university has no formula", "university", name)
		}
	}
	return out
}

// universitiesFilter: an explicit target list restricts the reverse
// search; an empty one leaves it corpus-wide.
func universitiesFilter(targets, resolved []string) []string {
	if len(targets) == 0 {
		return nil
	}
	return resolved
}

func formatConversion(conv *score.Conversion, normalized score.NormalizedScores) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 환산 점수: %.2f / %.0f\n", conv.University, conv.Total, conv.Scale)
	b.WriteString("과목별 기여:\n")
	for _, subject := range score.AllSubjects {
		contribution, ok := conv.Breakdown[subject]
		if !ok {
			continue
		}
		ns := normalized[subject]
		fmt.Fprintf(&b, "- %s: %.2f (등급 %d, 표준점수 %.0f, 백분위 %.0f)\n",
			subjectLabel(subject), contribution, ns.Grade, ns.StandardScore, ns.Percentile)
	}
	return b.String()
}

func formatPlacements(placements []score.Placement) string {
	var b strings.Builder
	b.WriteString("전년도 합격선 대비 지원권 분석:\n")
	current := score.Band("")
	for _, p := range placements {
		if p.Band != current {
			current = p.Band
			fmt.Fprintf(&b, "\n[%s]\n", current)
		}
		fmt.Fprintf(&b, "- %s %s (%d학년도 합격선 %.1f, 환산 %.2f, 차이 %+.2f)\n",
			p.University, p.Major, p.Year, p.Cutoff, p.Total, p.Gap)
	}
	return b.String()
}

func subjectLabel(s score.Subject) string {
	switch s {
	case score.SubjectKorean:
		return "국어"
	case score.SubjectMath:
		return "수학"
	case score.SubjectEnglish:
		return "영어"
	case score.SubjectInquiry1:
		return "탐구1"
	case score.SubjectInquiry2:
		return "탐구2"
	case score.SubjectHistory:
		return "한국사"
	}
	return string(s)
}
