package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/functions"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
)

type stubModel struct {
	jsonOut   map[string]any
	jsonErr   error
	textOut   string
	textErr   error
	streamOut string
	streamErr error

	lastSystem string
	lastUser   string
}

func (s *stubModel) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubModel) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	s.lastSystem, s.lastUser = system, user
	return s.jsonOut, s.jsonErr
}

func (s *stubModel) GenerateText(ctx context.Context, system, user string) (string, error) {
	s.lastSystem, s.lastUser = system, user
	return s.textOut, s.textErr
}

func (s *stubModel) GenerateTextWithImages(ctx context.Context, system, user string, images []openai.ImageInput) (string, error) {
	return s.textOut, s.textErr
}

func (s *stubModel) StreamText(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	s.lastSystem, s.lastUser = system, user
	for i := 0; i < len(s.streamOut); i += 8 {
		end := i + 8
		if end > len(s.streamOut) {
			end = len(s.streamOut)
		}
		onDelta(s.streamOut[i:end])
	}
	return s.streamOut, s.streamErr
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func evidenceFixture() ([]*functions.Output, []functions.Citation) {
	out := &functions.Output{
		Function:   "univ",
		University: "서울대학교",
		Chunks: []functions.Chunk{
			{Content: "수시 모집 요강", Title: "2026 수시 요강", Source: "snu-susi.pdf", FileURL: "https://docs/snu-susi.pdf"},
		},
		Count: 1,
	}
	return []*functions.Output{out}, out.Citations()
}

func TestSynthesizer_AggregatesCitedSources(t *testing.T) {
	outputs, citations := evidenceFixture()
	answer := "===SECTION_START:analysis===" +
		`<cite data-source="snu-susi.pdf" data-url="https://docs/snu-susi.pdf">모집 인원은 요강 참조</cite>` +
		"===SECTION_END==="
	model := &stubModel{streamOut: answer}

	var streamed strings.Builder
	syn, err := NewSynthesizer(testLogger(t), model).
		Stream(context.Background(), "서울대 수시 어때?", nil, outputs, citations, func(s string) { streamed.WriteString(s) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if streamed.String() != answer {
		t.Fatalf("streamed text differs from model output")
	}
	if len(syn.Sources) != 1 || syn.Sources[0] != "snu-susi.pdf" {
		t.Fatalf("sources: %v", syn.Sources)
	}
	if len(syn.SourceURLs) != 1 || syn.SourceURLs[0] != "https://docs/snu-susi.pdf" {
		t.Fatalf("source_urls: %v", syn.SourceURLs)
	}
	if len(syn.UsedChunks) != 1 || syn.UsedChunks[0] != "2026 수시 요강" {
		t.Fatalf("used_chunks: %v", syn.UsedChunks)
	}
	if syn.Degraded {
		t.Fatalf("clean stream should not be degraded")
	}
}

func TestSynthesizer_DropsUnknownSources(t *testing.T) {
	outputs, citations := evidenceFixture()
	answer := "===SECTION_START:analysis===" +
		`<cite data-source="naver-blog" data-url="https://blog">카더라</cite>` +
		"===SECTION_END==="
	model := &stubModel{streamOut: answer}

	syn, err := NewSynthesizer(testLogger(t), model).
		Stream(context.Background(), "q", nil, outputs, citations, func(string) {})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(syn.Sources) != 0 || len(syn.SourceURLs) != 0 {
		t.Fatalf("out-of-evidence citation must not surface: %v", syn.Sources)
	}
}

func TestSynthesizer_FallbackAfterPartialOutput(t *testing.T) {
	outputs, citations := evidenceFixture()
	partial := "===SECTION_START:analysis===요강에 따르면"
	model := &stubModel{streamOut: partial, streamErr: errors.New("connection reset")}

	var streamed strings.Builder
	syn, err := NewSynthesizer(testLogger(t), model).
		Stream(context.Background(), "q", nil, outputs, citations, func(s string) { streamed.WriteString(s) })
	if err != nil {
		t.Fatalf("partial output should degrade, not fail: %v", err)
	}
	if !syn.Degraded {
		t.Fatalf("expected degraded synthesis")
	}
	if !strings.Contains(syn.Text, "===SECTION_START:warning===") {
		t.Fatalf("fallback warning section missing: %q", syn.Text)
	}
	if !strings.Contains(streamed.String(), "===SECTION_END===") {
		t.Fatalf("fallback must be streamed to the client too")
	}
}

func TestSynthesizer_NoOutputError(t *testing.T) {
	model := &stubModel{streamOut: "", streamErr: errors.New("boom")}
	_, err := NewSynthesizer(testLogger(t), model).
		Stream(context.Background(), "q", nil, nil, nil, func(string) {})
	if err == nil {
		t.Fatalf("expected error when the stream produced nothing")
	}
}
