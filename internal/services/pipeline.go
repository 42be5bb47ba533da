package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/yungbote/ipsibridge-backend/internal/agent"
	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/functions"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/observability"
	"github.com/yungbote/ipsibridge-backend/internal/repos"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/sse"
	"github.com/yungbote/ipsibridge-backend/internal/types"
	"github.com/yungbote/ipsibridge-backend/internal/utils"
)

// PipelineConfig holds the turn deadlines.
type PipelineConfig struct {
	TurnDeadline       time.Duration
	RouterTimeout      time.Duration
	FunctionTimeout    time.Duration
	SynthesizerTimeout time.Duration
	// FunctionParallelism caps concurrent function calls per turn.
	FunctionParallelism int
}

func PipelineConfigFromEnv(log *logger.Logger) PipelineConfig {
	return PipelineConfig{
		TurnDeadline:        time.Duration(utils.GetEnvAsInt("TURN_DEADLINE_MS", 90000, log)) * time.Millisecond,
		RouterTimeout:       15 * time.Second,
		FunctionTimeout:     20 * time.Second,
		SynthesizerTimeout:  60 * time.Second,
		FunctionParallelism: 4,
	}
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	Message   string
	SessionID *uuid.UUID
	Image     *openai.ImageInput
}

// PipelineService drives a full turn: admit, plan, fan out functions,
// synthesize, stream, persist.
type PipelineService interface {
	// Run writes the turn's event sequence to stream and closes it.
	// Run never returns an error: every failure surfaces as a terminal
	// error event.
	Run(ctx context.Context, rd requestdata.RequestData, req TurnRequest, stream *sse.Stream)
}

type pipelineService struct {
	log         *logger.Logger
	cfg         PipelineConfig
	metrics     *observability.Metrics
	client      openai.Client
	router      agent.Router
	synthesizer agent.Synthesizer
	univ        functions.UnivFunc
	consult     functions.ConsultFunc
	chat        ChatService
	quota       QuotaService
	turnLogs    repos.TurnLogRepo
}

func NewPipelineService(
	log *logger.Logger,
	cfg PipelineConfig,
	metrics *observability.Metrics,
	client openai.Client,
	router agent.Router,
	synthesizer agent.Synthesizer,
	univ functions.UnivFunc,
	consult functions.ConsultFunc,
	chat ChatService,
	quota QuotaService,
	turnLogs repos.TurnLogRepo,
) PipelineService {
	return &pipelineService{
		log:         log.With("service", "PipelineService"),
		cfg:         cfg,
		metrics:     metrics,
		client:      client,
		router:      router,
		synthesizer: synthesizer,
		univ:        univ,
		consult:     consult,
		chat:        chat,
		quota:       quota,
		turnLogs:    turnLogs,
	}
}

const userErrGeneric = "요청을 처리하지 못했습니다. 잠시 후 다시 시도해 주세요."

func (s *pipelineService) Run(ctx context.Context, rd requestdata.RequestData, req TurnRequest, stream *sse.Stream) {
	defer stream.Close()

	turnStart := time.Now()
	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnDeadline)
	defer cancel()

	// 1. Admission. Denial is terminal before any model call.
	admission, err := s.quota.Admit(turnCtx, rd)
	if err != nil {
		s.log.Error("admission failed", "error", err)
		s.metrics.ObserveTurn("error")
		stream.Error(turnCtx, userErrGeneric)
		return
	}
	if !admission.Allowed {
		s.metrics.ObserveTurn("denied")
		stream.Send(turnCtx, sse.Event{
			Type:    sse.EventError,
			Message: admission.Reason,
			Detail:  map[string]any{"reset_at": admission.ResetAt.Format(time.RFC3339)},
		})
		return
	}

	// 2. Session and bounded history.
	session, err := s.chat.EnsureSession(turnCtx, rd, req.SessionID, req.Message)
	if err != nil {
		s.log.Error("session resolution failed", "error", err)
		s.metrics.ObserveTurn("error")
		stream.Error(turnCtx, userErrGeneric)
		return
	}
	history := s.loadHistory(turnCtx, session.ID)

	// Optional attached image becomes a text description for the router.
	imageDescription := s.describeImage(turnCtx, req)

	// 3. Plan.
	stream.Status(turnCtx, sse.StepRouter, nil)
	routerStart := time.Now()
	plan := s.planWithTimeout(turnCtx, req.Message, history, imageDescription)
	s.metrics.ObserveStage("router", time.Since(routerStart))
	routerMS := time.Since(routerStart).Milliseconds()

	// 4-5. Fan out, collect in plan order.
	dispatched := make([]string, len(plan.Calls))
	for i, call := range plan.Calls {
		dispatched[i] = call.Function
	}
	stream.Status(turnCtx, sse.StepFunctions, map[string]any{"dispatched": dispatched})

	functionsStart := time.Now()
	outputs := s.execute(turnCtx, stream, plan)
	s.metrics.ObserveStage("functions", time.Since(functionsStart))
	functionsMS := time.Since(functionsStart).Milliseconds()

	// 6-7. Synthesize and stream.
	stream.Status(turnCtx, sse.StepSynthesizer, nil)
	citations := collectCitations(outputs)

	synthCtx, synthCancel := context.WithTimeout(turnCtx, s.cfg.SynthesizerTimeout)
	defer synthCancel()
	synthStart := time.Now()
	synthesis, err := s.synthesizer.Stream(synthCtx, req.Message, history, outputs, citations,
		func(chunk string) { stream.Chunk(turnCtx, chunk) })
	s.metrics.ObserveStage("synthesizer", time.Since(synthStart))
	synthMS := time.Since(synthStart).Milliseconds()
	if err != nil {
		if turnCtx.Err() != nil {
			s.log.Warn("turn cancelled during synthesis", "session_id", session.ID, "error", turnCtx.Err())
		} else {
			s.log.Error("synthesis failed", "session_id", session.ID, "error", err)
		}
		s.metrics.ObserveTurn("error")
		stream.Error(turnCtx, "답변 생성에 실패했습니다. 잠시 후 다시 시도해 주세요.")
		return
	}

	timing := map[string]int64{
		"router_ms":      routerMS,
		"functions_ms":   functionsMS,
		"synthesizer_ms": synthMS,
		"total_ms":       time.Since(turnStart).Milliseconds(),
	}
	s.metrics.ObserveTurn("done")
	stream.Send(turnCtx, sse.Event{
		Type:       sse.EventDone,
		Sources:    orEmpty(synthesis.Sources),
		SourceURLs: orEmpty(synthesis.SourceURLs),
		UsedChunks: orEmpty(synthesis.UsedChunks),
		Timing:     timing,
		Detail:     map[string]any{"session_id": session.ID},
	})

	// 8. Persist after the client has its answer. A cancelled turn never
	// reaches this point, so an unanswered user message is not stored.
	s.persist(context.WithoutCancel(turnCtx), session.ID, req.Message, plan, synthesis, timing)
}

func (s *pipelineService) loadHistory(ctx context.Context, sessionID uuid.UUID) []agent.Turn {
	msgs, err := s.chat.RecentContext(ctx, sessionID)
	if err != nil {
		s.log.Warn("history load failed; continuing without context", "session_id", sessionID, "error", err)
		return nil
	}
	out := make([]agent.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agent.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}

const imageDescriptionPrompt = `첨부된 이미지(주로 성적표나 모집 요강 캡처)의 내용을
입시 상담에 필요한 수준으로 상세히 요약하십시오. 과목명, 등급,
표준점수, 백분위 등 수치는 빠짐없이 옮기십시오.`

func (s *pipelineService) describeImage(ctx context.Context, req TurnRequest) string {
	if req.Image == nil {
		return ""
	}
	descCtx, cancel := context.WithTimeout(ctx, s.cfg.RouterTimeout)
	defer cancel()
	desc, err := s.client.GenerateTextWithImages(descCtx, imageDescriptionPrompt, req.Message, []openai.ImageInput{*req.Image})
	if err != nil {
		s.log.Warn("image description failed; continuing without it", "error", err)
		return ""
	}
	return desc
}

func (s *pipelineService) planWithTimeout(ctx context.Context, message string, history []agent.Turn, imageDescription string) *agent.Plan {
	routerCtx, cancel := context.WithTimeout(ctx, s.cfg.RouterTimeout)
	defer cancel()
	return s.router.Plan(routerCtx, message, history, imageDescription)
}

// execute fans the plan out with bounded parallelism and returns one
// output per call, in plan order. Failures and timeouts yield marker
// outputs, never missing slots.
func (s *pipelineService) execute(ctx context.Context, stream *sse.Stream, plan *agent.Plan) []*functions.Output {
	outputs := make([]*functions.Output, len(plan.Calls))
	if plan.Empty() {
		return outputs
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FunctionParallelism)

	for i, call := range plan.Calls {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(groupCtx, s.cfg.FunctionTimeout)
			defer cancel()

			out, err := s.runCall(callCtx, call)
			if err != nil {
				s.log.Warn("function call failed", "function", call.Function, "error", err)
				s.metrics.FunctionFailure(call.Function)
				out = &functions.Output{
					Function: call.Function,
					Chunks:   []functions.Chunk{},
					Note:     "자료 조회에 실패했습니다",
				}
			}
			outputs[i] = out
			stream.Status(ctx, sse.StepFunctionResult, map[string]any{
				"name": call.Function,
				"ok":   err == nil && out.Count > 0,
			})
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

func (s *pipelineService) runCall(ctx context.Context, call agent.Call) (*functions.Output, error) {
	switch call.Function {
	case agent.FunctionUniv:
		return s.univ.Retrieve(ctx, call.Univ.University, call.Univ.Query)
	case agent.FunctionConsult:
		return s.consult.Consult(ctx, call.Consult.Scores, call.Consult.TargetUniv, call.Consult.TargetMajor, call.Consult.TargetRange)
	}
	return nil, fmt.Errorf("unknown function %q", call.Function)
}

// collectCitations unions the descriptor sets in plan order.
func collectCitations(outputs []*functions.Output) []functions.Citation {
	var out []functions.Citation
	seen := map[string]bool{}
	for _, o := range outputs {
		for _, c := range o.Citations() {
			key := c.Source + "|" + c.FileURL
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}

// persist writes the turn's messages and execution log. The client has
// already received done; failures here are logged, not surfaced.
func (s *pipelineService) persist(ctx context.Context, sessionID uuid.UUID, userMessage string, plan *agent.Plan, synthesis *agent.Synthesis, timing map[string]int64) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	userMsg, err := s.chat.AppendMessage(ctx, sessionID, types.MessageRoleUser, userMessage, nil, nil)
	if err != nil {
		s.log.Error("user message persistence failed", "session_id", sessionID, "error", err)
		return
	}
	if _, err := s.chat.AppendMessage(ctx, sessionID, types.MessageRoleAssistant, synthesis.Text, synthesis.Sources, synthesis.SourceURLs); err != nil {
		s.log.Error("assistant message persistence failed", "session_id", sessionID, "error", err)
		return
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		planJSON = []byte("{}")
	}
	timingJSON, err := json.Marshal(timing)
	if err != nil {
		timingJSON = []byte("{}")
	}
	entry := &types.TurnLog{
		SessionID:     sessionID,
		UserMessageID: userMsg.ID,
		Plan:          datatypes.JSON(planJSON),
		Timing:        datatypes.JSON(timingJSON),
	}
	if err := s.turnLogs.Create(ctx, nil, entry); err != nil {
		s.log.Warn("turn log persistence failed", "session_id", sessionID, "error", err)
	}
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
