package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
)

// Turn is one bounded-history entry fed to the agents, content only.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Router translates an utterance plus bounded history into a typed
// invocation plan.
type Router interface {
	Plan(ctx context.Context, utterance string, history []Turn, imageDescription string) *Plan
}

type router struct {
	log    *logger.Logger
	client openai.Client
	univs  []string
}

// NewRouter wires the planning agent. universities is the closed set of
// retrievable school names advertised to the model.
func NewRouter(log *logger.Logger, client openai.Client, universities []string) Router {
	return &router{
		log:    log.With("service", "RouterAgent"),
		client: client,
		univs:  universities,
	}
}

const routerSystemPrompt = `당신은 한국 대학 입시 상담 서비스의 플래너입니다.
사용자 발화와 대화 이력을 읽고 어떤 함수를 호출할지 JSON으로만 답하십시오.

사용 가능한 함수:
1. "univ" — 특정 대학의 입시 요강/모집 정보 검색.
   params: {"university": "<정식 대학명>", "query": "<검색 질의>"}
   query는 반드시 자기완결적이어야 합니다. "거기", "그 학교" 같은
   대명사는 대화 이력을 보고 실제 대학명/주제로 치환하십시오.
2. "consult" — 성적 기반 환산/지원권 분석.
   params: {"scores": {과목: {"grade"?, "standard_score"?, "percentile"?, "elective"?}},
            "target_univ": [], "target_major": [], "target_range": []}
   과목 키: korean, math, english, inquiry1, inquiry2, history.
   target_range 값: "안정", "적정", "소신", "도전".

규칙:
- 함수 호출이 불필요하면 "function_calls"를 빈 배열로 두십시오.
- 최대 6개의 호출만 허용됩니다.
- university는 아래 대학 목록에 있는 정식 명칭만 사용하십시오.`

func (r *router) Plan(ctx context.Context, utterance string, history []Turn, imageDescription string) *Plan {
	system := routerSystemPrompt
	if len(r.univs) > 0 {
		system += "\n\n대학 목록: " + strings.Join(r.univs, ", ")
	}

	var user strings.Builder
	if len(history) > 0 {
		user.WriteString("대화 이력:\n")
		for _, t := range history {
			fmt.Fprintf(&user, "[%s] %s\n", t.Role, t.Content)
		}
		user.WriteString("\n")
	}
	if strings.TrimSpace(imageDescription) != "" {
		user.WriteString("첨부 이미지 설명: " + strings.TrimSpace(imageDescription) + "\n\n")
	}
	user.WriteString("현재 사용자 발화: " + utterance)

	obj, err := r.client.GenerateJSON(ctx, system, user.String(), "function_plan", planSchema())
	if err == nil {
		return PlanFromMap(obj)
	}
	r.log.Warn("router structured call failed; attempting text repair", "error", err)

	// One repair attempt: plain text generation, fences stripped.
	text, err := r.client.GenerateText(ctx, system+"\n\nJSON만 출력하십시오.", user.String())
	if err != nil {
		r.log.Warn("router repair call failed; proceeding with empty plan", "error", err)
		return &Plan{}
	}
	plan, err := ParsePlanText(text)
	if err != nil {
		r.log.Warn("router repair parse failed; proceeding with empty plan", "error", err)
		return &Plan{}
	}
	return plan
}

func planSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"function_calls": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"function": map[string]any{
							"type": "string",
							"enum": []string{FunctionUniv, FunctionConsult},
						},
						"params": map[string]any{
							"type":                 "object",
							"additionalProperties": true,
						},
					},
					"required":             []string{"function", "params"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"function_calls"},
		"additionalProperties": false,
	}
}
