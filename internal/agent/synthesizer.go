package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/functions"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
)

// Synthesis is the aggregate result of one streamed answer.
type Synthesis struct {
	Text       string
	Sources    []string
	SourceURLs []string
	UsedChunks []string
	// Degraded marks answers finished through the fallback path after a
	// mid-stream model failure.
	Degraded bool
}

// Synthesizer streams the final answer from the aggregated evidence.
type Synthesizer interface {
	Stream(
		ctx context.Context,
		utterance string,
		history []Turn,
		outputs []*functions.Output,
		citations []functions.Citation,
		onChunk func(string),
	) (*Synthesis, error)
}

type synthesizer struct {
	log    *logger.Logger
	client openai.Client
}

func NewSynthesizer(log *logger.Logger, client openai.Client) Synthesizer {
	return &synthesizer{
		log:    log.With("service", "SynthesizerAgent"),
		client: client,
	}
}

const synthesizerSystemPrompt = `당신은 한국 대학 입시 전문 상담가입니다. 제공된 근거 자료만으로
학생의 질문에 답하십시오.

출력 형식 (반드시 준수):
- 답변은 섹션의 나열입니다. 각 섹션은
  ===SECTION_START:<type>===내용===SECTION_END===
  형태이며 <type>은 empathy, fact_check, analysis, recommendation,
  warning, encouragement, next_step 중 하나입니다.
- 섹션 밖에는 어떤 텍스트도 쓰지 마십시오.
- 근거 자료의 내용을 인용할 때는
  <cite data-source="출처" data-url="URL">인용문</cite>
  태그를 사용하고, data-source와 data-url은 아래 인용 가능 출처
  목록의 값을 그대로 사용하십시오.
- 목록에 없는 출처를 인용해서는 안 됩니다. 일반적인 조언은 인용
  없이 쓸 수 있습니다.
- 근거가 전혀 없으면 empathy와 next_step 섹션으로 추가 정보를
  요청하십시오.`

func (s *synthesizer) Stream(
	ctx context.Context,
	utterance string,
	history []Turn,
	outputs []*functions.Output,
	citations []functions.Citation,
	onChunk func(string),
) (*Synthesis, error) {
	user := buildEvidencePrompt(utterance, history, outputs, citations)

	coalescer := NewCoalescer(onChunk)
	text, err := s.client.StreamText(ctx, synthesizerSystemPrompt, user, coalescer.Write)
	if err != nil {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("synthesis stream: %w", err)
		}
		// Partial answer: close it out with a warning section instead of
		// discarding what the client already saw.
		s.log.Warn("synthesis stream failed mid-answer; appending warning section", "error", err)
		fallback := "\n===SECTION_START:warning===답변 생성이 중단되어 일부 내용이 누락되었을 수 있습니다.===SECTION_END==="
		coalescer.Write(fallback)
		coalescer.Flush()
		syn := s.aggregate(text+fallback, outputs, citations)
		syn.Degraded = true
		return syn, nil
	}
	coalescer.Flush()
	return s.aggregate(text, outputs, citations), nil
}

// aggregate derives the terminal metadata: distinct cited sources in
// first-use order, restricted to the supplied descriptor set.
func (s *synthesizer) aggregate(text string, outputs []*functions.Output, citations []functions.Citation) *Synthesis {
	allowed := make(map[string]string, len(citations)) // source -> url
	for _, c := range citations {
		if _, ok := allowed[c.Source]; !ok {
			allowed[c.Source] = c.FileURL
		}
	}

	syn := &Synthesis{Text: text}
	seen := map[string]bool{}
	for _, cite := range ExtractCites(text) {
		url, ok := allowed[cite.Source]
		if !ok {
			s.log.Warn("model cited a source outside the evidence set; dropping", "source", cite.Source)
			continue
		}
		if seen[cite.Source] {
			continue
		}
		seen[cite.Source] = true
		syn.Sources = append(syn.Sources, cite.Source)
		syn.SourceURLs = append(syn.SourceURLs, url)
	}

	// Evidence chunks whose source was actually cited.
	usedSeen := map[string]bool{}
	for _, out := range outputs {
		if out == nil {
			continue
		}
		for _, ch := range out.Chunks {
			if !seen[ch.Source] || usedSeen[ch.Title] {
				continue
			}
			usedSeen[ch.Title] = true
			syn.UsedChunks = append(syn.UsedChunks, ch.Title)
		}
	}
	return syn
}

func buildEvidencePrompt(utterance string, history []Turn, outputs []*functions.Output, citations []functions.Citation) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("대화 이력:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("인용 가능 출처 목록:\n")
	if len(citations) == 0 {
		b.WriteString("(없음)\n")
	}
	for _, c := range citations {
		fmt.Fprintf(&b, "- source=%q url=%q title=%q", c.Source, c.FileURL, c.Title)
		if c.Page != nil {
			fmt.Fprintf(&b, " page=%d", *c.Page)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n근거 자료:\n")

	if len(outputs) == 0 {
		b.WriteString("(근거 자료 없음)\n")
	}
	for i, out := range outputs {
		if out == nil {
			continue
		}
		fmt.Fprintf(&b, "--- 함수 %d: %s", i+1, out.Function)
		if out.University != "" {
			fmt.Fprintf(&b, " (%s)", out.University)
		}
		b.WriteString(" ---\n")
		if out.Note != "" {
			fmt.Fprintf(&b, "참고: %s\n", out.Note)
		}
		if len(out.Chunks) == 0 {
			b.WriteString("(결과 없음)\n")
		}
		for _, ch := range out.Chunks {
			fmt.Fprintf(&b, "[%s | source=%s]\n%s\n\n", ch.Title, ch.Source, ch.Content)
		}
	}

	b.WriteString("\n현재 사용자 질문: " + utterance)
	return b.String()
}
