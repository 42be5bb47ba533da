package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/agent"
	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/functions"
	"github.com/yungbote/ipsibridge-backend/internal/observability"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/score"
	"github.com/yungbote/ipsibridge-backend/internal/sse"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type pipeClient struct {
	imageDesc string
}

func (c *pipeClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (c *pipeClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return nil, errors.New("not used")
}

func (c *pipeClient) GenerateText(ctx context.Context, system, user string) (string, error) {
	return "", errors.New("not used")
}

func (c *pipeClient) GenerateTextWithImages(ctx context.Context, system, user string, images []openai.ImageInput) (string, error) {
	return c.imageDesc, nil
}

func (c *pipeClient) StreamText(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	return "", errors.New("not used")
}

type pipeRouter struct {
	plan    *agent.Plan
	called  bool
	gotHist []agent.Turn
}

func (r *pipeRouter) Plan(ctx context.Context, utterance string, history []agent.Turn, imageDescription string) *agent.Plan {
	r.called = true
	r.gotHist = history
	return r.plan
}

type pipeSynth struct {
	chunks     []string
	result     *agent.Synthesis
	err        error
	gotOutputs []*functions.Output
}

func (s *pipeSynth) Stream(ctx context.Context, utterance string, history []agent.Turn, outputs []*functions.Output, citations []functions.Citation, onChunk func(string)) (*agent.Synthesis, error) {
	s.gotOutputs = outputs
	if s.err != nil {
		return nil, s.err
	}
	for _, c := range s.chunks {
		onChunk(c)
	}
	return s.result, nil
}

type pipeUniv struct {
	out *functions.Output
	err error
}

func (u *pipeUniv) Retrieve(ctx context.Context, university, query string) (*functions.Output, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.out, nil
}

type pipeConsult struct {
	out *functions.Output
}

func (c *pipeConsult) Consult(ctx context.Context, scores score.ScoreSnapshot, targetUniv, targetMajor []string, targetRange []score.Band) (*functions.Output, error) {
	return c.out, nil
}

type pipeChat struct {
	mu       sync.Mutex
	session  *types.Session
	appended []*types.Message
}

func (c *pipeChat) CreateSession(ctx context.Context, rd requestdata.RequestData, title string) (*types.Session, error) {
	return c.session, nil
}

func (c *pipeChat) EnsureSession(ctx context.Context, rd requestdata.RequestData, sessionID *uuid.UUID, firstMessage string) (*types.Session, error) {
	return c.session, nil
}

func (c *pipeChat) GetOwnedSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) (*types.Session, error) {
	return c.session, nil
}

func (c *pipeChat) ListSessions(ctx context.Context, rd requestdata.RequestData) ([]*types.Session, error) {
	return nil, nil
}

func (c *pipeChat) RenameSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID, title string) (*types.Session, error) {
	return c.session, nil
}

func (c *pipeChat) DeleteSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) error {
	return nil
}

func (c *pipeChat) ListMessages(ctx context.Context, rd requestdata.RequestData, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error) {
	return nil, nil
}

func (c *pipeChat) RecentContext(ctx context.Context, sessionID uuid.UUID) ([]*types.Message, error) {
	return nil, nil
}

func (c *pipeChat) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := &types.Message{ID: uuid.New(), SessionID: sessionID, Role: role, Content: content}
	c.appended = append(c.appended, msg)
	return msg, nil
}

func (c *pipeChat) appendedRoles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.appended {
		out = append(out, m.Role)
	}
	return out
}

type pipeQuota struct {
	admission Admission
	err       error
	called    bool
}

func (q *pipeQuota) Admit(ctx context.Context, rd requestdata.RequestData) (Admission, error) {
	q.called = true
	return q.admission, q.err
}

func (q *pipeQuota) PruneOld(ctx context.Context, retainDays int) error { return nil }

type pipeTurnLogs struct {
	mu      sync.Mutex
	created []*types.TurnLog
}

func (r *pipeTurnLogs) Create(ctx context.Context, tx *gorm.DB, entry *types.TurnLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, entry)
	return nil
}

func (r *pipeTurnLogs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TurnDeadline:        10 * time.Second,
		RouterTimeout:       time.Second,
		FunctionTimeout:     time.Second,
		SynthesizerTimeout:  2 * time.Second,
		FunctionParallelism: 4,
	}
}

// runTurn drives one turn to completion and returns every event the
// stream produced, in order.
func runTurn(t *testing.T, svc PipelineService, rd requestdata.RequestData, req TurnRequest) []sse.Event {
	t.Helper()
	stream := sse.NewStream()
	var events []sse.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range stream.Events() {
			events = append(events, ev)
		}
	}()
	svc.Run(context.Background(), rd, req, stream)
	<-done
	return events
}

func univOutput(source string) *functions.Output {
	return &functions.Output{
		Function: agent.FunctionUniv,
		Chunks: []functions.Chunk{{
			Content: "모집 인원 안내",
			Title:   "2026 모집요강",
			Source:  source,
			FileURL: "https://docs.example.com/" + source,
		}},
		Count:      1,
		University: "서울대학교",
	}
}

func twoCallPlan() *agent.Plan {
	return &agent.Plan{Calls: []agent.Call{
		{Function: agent.FunctionUniv, Univ: &agent.UnivParams{University: "서울대학교", Query: "수시 전형"}},
		{Function: agent.FunctionConsult, Consult: &agent.ConsultParams{
			Scores: score.ScoreSnapshot{score.SubjectKorean: {Grade: intPtr(1)}},
		}},
	}}
}

func intPtr(v int) *int { return &v }

func newTestPipeline(t *testing.T, router *pipeRouter, synth *pipeSynth, univ *pipeUniv, consult *pipeConsult, chat *pipeChat, quota *pipeQuota, logs *pipeTurnLogs) PipelineService {
	t.Helper()
	return NewPipelineService(svcLogger(t), testPipelineConfig(), observability.NewMetrics(), &pipeClient{}, router, synth, univ, consult, chat, quota, logs)
}

func TestPipeline_EventOrder(t *testing.T) {
	sessionID := uuid.New()
	chat := &pipeChat{session: &types.Session{ID: sessionID}}
	quota := &pipeQuota{admission: Admission{Allowed: true, Remaining: 49}}
	logs := &pipeTurnLogs{}
	synth := &pipeSynth{
		chunks: []string{"===SECTION_START:analysis===분석", "===SECTION_END==="},
		result: &agent.Synthesis{
			Text:       "===SECTION_START:analysis===분석===SECTION_END===",
			Sources:    []string{"snu-susi.pdf"},
			SourceURLs: []string{"https://docs.example.com/snu-susi.pdf"},
			UsedChunks: []string{"2026 모집요강"},
		},
	}
	svc := newTestPipeline(t, &pipeRouter{plan: twoCallPlan()}, synth,
		&pipeUniv{out: univOutput("snu-susi.pdf")},
		&pipeConsult{out: &functions.Output{Function: agent.FunctionConsult, Chunks: []functions.Chunk{}, Count: 0}},
		chat, quota, logs)

	events := runTurn(t, svc, requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1"},
		TurnRequest{Message: "서울대 수시 알려줘"})

	var shape []string
	for _, ev := range events {
		if ev.Type == sse.EventStatus {
			shape = append(shape, "status:"+ev.Step)
		} else {
			shape = append(shape, string(ev.Type))
		}
	}

	if len(shape) < 7 {
		t.Fatalf("too few events: %v", shape)
	}
	if shape[0] != "status:router" || shape[1] != "status:functions" {
		t.Fatalf("turn must open with router then functions status: %v", shape)
	}
	// Two function_result statuses in completion order, then synthesizer.
	if shape[2] != "status:function_result" || shape[3] != "status:function_result" {
		t.Fatalf("expected two function_result statuses: %v", shape)
	}
	if shape[4] != "status:synthesizer" {
		t.Fatalf("synthesizer status missing: %v", shape)
	}
	if shape[5] != "chunk" || shape[6] != "chunk" {
		t.Fatalf("chunks must follow synthesizer status: %v", shape)
	}
	last := events[len(events)-1]
	if last.Type != sse.EventDone {
		t.Fatalf("turn must end with done: %v", shape)
	}
	if len(last.Sources) != 1 || last.Sources[0] != "snu-susi.pdf" {
		t.Fatalf("done sources wrong: %v", last.Sources)
	}
	if last.Timing["total_ms"] < 0 || last.Detail["session_id"] != sessionID {
		t.Fatalf("done metadata incomplete: %+v", last)
	}

	dispatched, ok := events[1].Detail["dispatched"].([]string)
	if !ok || len(dispatched) != 2 || dispatched[0] != agent.FunctionUniv || dispatched[1] != agent.FunctionConsult {
		t.Fatalf("dispatched list wrong: %v", events[1].Detail)
	}
}

func TestPipeline_QuotaDenialIsTerminal(t *testing.T) {
	resetAt := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	router := &pipeRouter{plan: twoCallPlan()}
	quota := &pipeQuota{admission: Admission{Allowed: false, Reason: "오늘의 질문 한도(10회)를 모두 사용했습니다.", ResetAt: resetAt}}
	svc := newTestPipeline(t, router, &pipeSynth{}, &pipeUniv{}, &pipeConsult{},
		&pipeChat{session: &types.Session{ID: uuid.New()}}, quota, &pipeTurnLogs{})

	events := runTurn(t, svc, requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindIP, PrincipalID: "9.9.9.9"},
		TurnRequest{Message: "질문"})

	if len(events) != 1 || events[0].Type != sse.EventError {
		t.Fatalf("denial must emit exactly one error event: %+v", events)
	}
	if events[0].Message == "" || events[0].Detail["reset_at"] != resetAt.Format(time.RFC3339) {
		t.Fatalf("denial event incomplete: %+v", events[0])
	}
	if router.called {
		t.Fatalf("denied turn must not reach the router")
	}
}

func TestPipeline_FunctionFailureYieldsMarkerOutput(t *testing.T) {
	synth := &pipeSynth{
		chunks: []string{"===SECTION_START:warning===자료 없음===SECTION_END==="},
		result: &agent.Synthesis{Text: "===SECTION_START:warning===자료 없음===SECTION_END==="},
	}
	svc := newTestPipeline(t,
		&pipeRouter{plan: &agent.Plan{Calls: []agent.Call{
			{Function: agent.FunctionUniv, Univ: &agent.UnivParams{University: "서울대학교", Query: "수시"}},
		}}},
		synth, &pipeUniv{err: errors.New("timeout")}, &pipeConsult{},
		&pipeChat{session: &types.Session{ID: uuid.New()}},
		&pipeQuota{admission: Admission{Allowed: true}}, &pipeTurnLogs{})

	events := runTurn(t, svc, requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1"},
		TurnRequest{Message: "서울대"})

	var result *sse.Event
	for i := range events {
		if events[i].Type == sse.EventStatus && events[i].Step == sse.StepFunctionResult {
			result = &events[i]
		}
	}
	if result == nil {
		t.Fatalf("function_result status missing")
	}
	if result.Detail["ok"] != false || result.Detail["name"] != agent.FunctionUniv {
		t.Fatalf("failed call must report ok=false: %+v", result.Detail)
	}

	if len(synth.gotOutputs) != 1 || synth.gotOutputs[0] == nil {
		t.Fatalf("synthesizer must still receive one output per call")
	}
	if synth.gotOutputs[0].Note == "" || synth.gotOutputs[0].Count != 0 {
		t.Fatalf("marker output wrong: %+v", synth.gotOutputs[0])
	}
	if events[len(events)-1].Type != sse.EventDone {
		t.Fatalf("turn should still finish with done")
	}
}

func TestPipeline_SynthesizerFailureSkipsPersistence(t *testing.T) {
	chat := &pipeChat{session: &types.Session{ID: uuid.New()}}
	logs := &pipeTurnLogs{}
	svc := newTestPipeline(t, &pipeRouter{plan: twoCallPlan()},
		&pipeSynth{err: errors.New("stream broke")},
		&pipeUniv{out: univOutput("snu-susi.pdf")}, &pipeConsult{out: &functions.Output{Function: agent.FunctionConsult}},
		chat, &pipeQuota{admission: Admission{Allowed: true}}, logs)

	events := runTurn(t, svc, requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1"},
		TurnRequest{Message: "서울대"})

	last := events[len(events)-1]
	if last.Type != sse.EventError {
		t.Fatalf("synthesis failure must end with error, got %s", last.Type)
	}
	if len(chat.appendedRoles()) != 0 {
		t.Fatalf("failed turn must not persist messages: %v", chat.appendedRoles())
	}
	if logs.count() != 0 {
		t.Fatalf("failed turn must not write a turn log")
	}
}

func TestPipeline_PersistsAfterDone(t *testing.T) {
	chat := &pipeChat{session: &types.Session{ID: uuid.New()}}
	logs := &pipeTurnLogs{}
	synth := &pipeSynth{
		chunks: []string{"===SECTION_START:analysis===ok===SECTION_END==="},
		result: &agent.Synthesis{Text: "===SECTION_START:analysis===ok===SECTION_END==="},
	}
	svc := newTestPipeline(t, &pipeRouter{plan: twoCallPlan()}, synth,
		&pipeUniv{out: univOutput("snu-susi.pdf")},
		&pipeConsult{out: &functions.Output{Function: agent.FunctionConsult}},
		chat, &pipeQuota{admission: Admission{Allowed: true}}, logs)

	runTurn(t, svc, requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1"},
		TurnRequest{Message: "서울대 수시"})

	roles := chat.appendedRoles()
	if len(roles) != 2 || roles[0] != types.MessageRoleUser || roles[1] != types.MessageRoleAssistant {
		t.Fatalf("expected user then assistant persisted: %v", roles)
	}
	if logs.count() != 1 {
		t.Fatalf("expected one turn log, got %d", logs.count())
	}
}
