package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/ipsibridge-backend/internal/score"
)

const (
	FunctionUniv    = "univ"
	FunctionConsult = "consult"

	// MaxPlanCalls caps a single turn's dispatch; excess is truncated.
	MaxPlanCalls = 6
)

type UnivParams struct {
	University string `json:"university"`
	Query      string `json:"query"`
}

type ConsultParams struct {
	Scores      score.ScoreSnapshot `json:"scores"`
	TargetUniv  []string            `json:"target_univ"`
	TargetMajor []string            `json:"target_major"`
	TargetRange []score.Band        `json:"target_range"`
}

// Call is one validated plan entry. Exactly one of Univ/Consult is set.
type Call struct {
	Function string         `json:"function"`
	Univ     *UnivParams    `json:"univ,omitempty"`
	Consult  *ConsultParams `json:"consult,omitempty"`
}

type Plan struct {
	Calls []Call `json:"function_calls"`
}

func (p *Plan) Empty() bool { return p == nil || len(p.Calls) == 0 }

// Key is the dedupe identity: function name plus canonical params JSON.
func (c Call) Key() string {
	var params any
	switch c.Function {
	case FunctionUniv:
		params = c.Univ
	case FunctionConsult:
		params = c.Consult
	}
	raw, _ := json.Marshal(params)
	return c.Function + ":" + string(raw)
}

// rawPlan mirrors the model's output shape before validation.
type rawPlan struct {
	FunctionCalls []struct {
		Function string          `json:"function"`
		Params   json.RawMessage `json:"params"`
	} `json:"function_calls"`
}

// PlanFromMap validates a decoded model object into a Plan: unknown
// functions and invalid params are dropped, duplicates removed, and the
// result truncated to MaxPlanCalls. A nil/empty object yields an empty
// plan, never an error.
func PlanFromMap(obj map[string]any) *Plan {
	if obj == nil {
		return &Plan{}
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return &Plan{}
	}
	plan, err := parsePlanJSON(raw)
	if err != nil {
		return &Plan{}
	}
	return plan
}

// ParsePlanText is the repair path for plans that arrive as prose:
// markdown fences and stray text around the outermost JSON object are
// stripped before parsing.
func ParsePlanText(text string) (*Plan, error) {
	cleaned := stripFences(text)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan text")
	}
	return parsePlanJSON([]byte(cleaned[start : end+1]))
}

func parsePlanJSON(raw []byte) (*Plan, error) {
	var rp rawPlan
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, fmt.Errorf("plan decode: %w", err)
	}

	plan := &Plan{}
	seen := map[string]bool{}

	for _, entry := range rp.FunctionCalls {
		call, ok := validateCall(entry.Function, entry.Params)
		if !ok {
			continue
		}
		key := call.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		plan.Calls = append(plan.Calls, call)
		if len(plan.Calls) == MaxPlanCalls {
			break
		}
	}
	return plan, nil
}

func validateCall(function string, params json.RawMessage) (Call, bool) {
	switch strings.TrimSpace(function) {
	case FunctionUniv:
		var p UnivParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Call{}, false
		}
		p.University = strings.TrimSpace(p.University)
		p.Query = strings.TrimSpace(p.Query)
		if p.University == "" || p.Query == "" {
			return Call{}, false
		}
		return Call{Function: FunctionUniv, Univ: &p}, true

	case FunctionConsult:
		var p ConsultParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Call{}, false
		}
		if !hasAnySubject(p.Scores) {
			return Call{}, false
		}
		p.TargetUniv = trimAll(p.TargetUniv)
		p.TargetMajor = trimAll(p.TargetMajor)
		p.TargetRange = validBands(p.TargetRange)
		return Call{Function: FunctionConsult, Consult: &p}, true
	}
	return Call{}, false
}

func hasAnySubject(s score.ScoreSnapshot) bool {
	for _, in := range s {
		if in.Grade != nil || in.StandardScore != nil || in.Percentile != nil {
			return true
		}
	}
	return false
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validBands(in []score.Band) []score.Band {
	out := make([]score.Band, 0, len(in))
	for _, b := range in {
		if score.ValidBand(b) {
			out = append(out, b)
		}
	}
	return out
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.Index(s, "\n"); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
