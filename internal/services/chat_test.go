package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type memSessionRepo struct {
	sessions map[uuid.UUID]*types.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[uuid.UUID]*types.Session{}}
}

func (r *memSessionRepo) Create(ctx context.Context, tx *gorm.DB, session *types.Session) (*types.Session, error) {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	stored := *session
	r.sessions[session.ID] = &stored
	return session, nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	out := *s
	return &out, nil
}

func (r *memSessionRepo) ListByPrincipal(ctx context.Context, tx *gorm.DB, kind, principalID string, limit int) ([]*types.Session, error) {
	var out []*types.Session
	for _, s := range r.sessions {
		if s.PrincipalKind == kind && s.PrincipalID == principalID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memSessionRepo) UpdateTitle(ctx context.Context, tx *gorm.DB, id uuid.UUID, title string) error {
	if s, ok := r.sessions[id]; ok {
		s.Title = title
	}
	return nil
}

func (r *memSessionRepo) Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	return nil
}

func (r *memSessionRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	delete(r.sessions, id)
	return nil
}

type memMessageRepo struct{}

func (r *memMessageRepo) Append(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error) {
	return &types.Message{ID: uuid.New(), SessionID: sessionID, Role: role, Content: content}, nil
}

func (r *memMessageRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error) {
	return nil, nil
}

func (r *memMessageRepo) ListRecent(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, n int) ([]*types.Message, error) {
	return nil, nil
}

func mkMsg(role, content string) *types.Message {
	return &types.Message{ID: uuid.New(), Role: role, Content: content}
}

func alternating(n int) []*types.Message {
	var out []*types.Message
	for i := 0; i < n; i++ {
		out = append(out, mkMsg(types.MessageRoleUser, fmt.Sprintf("u%d", i)))
		out = append(out, mkMsg(types.MessageRoleAssistant, fmt.Sprintf("a%d", i)))
	}
	return out
}

func TestTrimToPairs_DropsTrailingUnansweredUser(t *testing.T) {
	msgs := append(alternating(3), mkMsg(types.MessageRoleUser, "대기중"))
	got := trimToPairs(msgs, 20)
	if len(got) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(got))
	}
	if got[len(got)-1].Role != types.MessageRoleAssistant {
		t.Fatalf("window must end on an assistant reply")
	}
}

func TestTrimToPairs_TruncationKeepsPairsWhole(t *testing.T) {
	// 25 pairs, window of 20 turns: the 5 oldest pairs fall off and no
	// assistant message is left without its user message.
	got := trimToPairs(alternating(25), HistoryTurns)
	if len(got) != 2*HistoryTurns {
		t.Fatalf("expected %d messages, got %d", 2*HistoryTurns, len(got))
	}
	if got[0].Role != types.MessageRoleUser || got[0].Content != "u5" {
		t.Fatalf("window should start at u5, got %s %q", got[0].Role, got[0].Content)
	}
	for i := 0; i < len(got); i += 2 {
		if got[i].Role != types.MessageRoleUser || got[i+1].Role != types.MessageRoleAssistant {
			t.Fatalf("pair broken at %d", i)
		}
	}
}

func TestTrimToPairs_Empty(t *testing.T) {
	if got := trimToPairs(nil, HistoryTurns); len(got) != 0 {
		t.Fatalf("expected empty window, got %d", len(got))
	}
	if got := trimToPairs([]*types.Message{mkMsg(types.MessageRoleUser, "x")}, HistoryTurns); len(got) != 0 {
		t.Fatalf("lone user message should be dropped, got %d", len(got))
	}
}

func TestTitleFrom(t *testing.T) {
	if got := titleFrom("   "); got != defaultSessionTitle {
		t.Fatalf("blank message: %q", got)
	}
	if got := titleFrom("서울대 수시 질문"); got != "서울대 수시 질문" {
		t.Fatalf("short message should be kept: %q", got)
	}
	long := strings.Repeat("가", 60)
	got := titleFrom(long)
	if runes := []rune(got); len(runes) != 41 || !strings.HasSuffix(got, "…") {
		t.Fatalf("long title should truncate to 40 runes + ellipsis: %q", got)
	}
}

func TestChatService_CrossPrincipalAccessIsRefused(t *testing.T) {
	ctx := context.Background()
	sessions := newMemSessionRepo()
	svc := NewChatService(svcLogger(t), sessions, &memMessageRepo{})

	owner := requestdata.RequestData{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-owner"}
	created, err := svc.CreateSession(ctx, owner, "내 상담")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.GetOwnedSession(ctx, owner, created.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	// Another user and an anonymous IP principal must both be told the
	// session does not exist, on every operation that names it.
	strangers := []requestdata.RequestData{
		{PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-other"},
		{PrincipalKind: requestdata.PrincipalKindIP, PrincipalID: "203.0.113.9"},
	}
	for _, rd := range strangers {
		if _, err := svc.GetOwnedSession(ctx, rd, created.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s get: expected ErrNotFound, got %v", rd.PrincipalID, err)
		}
		if _, err := svc.ListMessages(ctx, rd, created.ID, 10, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s list messages: expected ErrNotFound, got %v", rd.PrincipalID, err)
		}
		if _, err := svc.RenameSession(ctx, rd, created.ID, "탈취"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s rename: expected ErrNotFound, got %v", rd.PrincipalID, err)
		}
		if err := svc.DeleteSession(ctx, rd, created.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s delete: expected ErrNotFound, got %v", rd.PrincipalID, err)
		}
	}

	// The refused calls must not have mutated or removed the session.
	after, err := svc.GetOwnedSession(ctx, owner, created.ID)
	if err != nil {
		t.Fatalf("owner read after refusals: %v", err)
	}
	if after.Title != "내 상담" {
		t.Fatalf("title changed by a refused rename: %q", after.Title)
	}
}

func TestContextCache_LoadsOnceAndNotes(t *testing.T) {
	cache := NewContextCache()
	sessionID := uuid.New()
	loads := 0
	loader := func() ([]*types.Message, error) {
		loads++
		return alternating(2), nil
	}

	first, err := cache.Recent(sessionID, loader)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(first) != 4 || loads != 1 {
		t.Fatalf("cold load wrong: %d msgs, %d loads", len(first), loads)
	}

	cache.Note(sessionID, mkMsg(types.MessageRoleUser, "u9"), mkMsg(types.MessageRoleAssistant, "a9"))
	second, err := cache.Recent(sessionID, loader)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if loads != 1 {
		t.Fatalf("warm read must not reload, loads=%d", loads)
	}
	if len(second) != 6 || second[len(second)-1].Content != "a9" {
		t.Fatalf("noted messages missing: %d", len(second))
	}

	cache.Drop(sessionID)
	if _, err := cache.Recent(sessionID, loader); err != nil {
		t.Fatalf("Recent after drop: %v", err)
	}
	if loads != 2 {
		t.Fatalf("drop should force a reload, loads=%d", loads)
	}
}

func TestContextCache_NoteOnColdWindowIsIgnored(t *testing.T) {
	cache := NewContextCache()
	sessionID := uuid.New()
	cache.Note(sessionID, mkMsg(types.MessageRoleUser, "u"))

	got, err := cache.Recent(sessionID, func() ([]*types.Message, error) {
		return alternating(1), nil
	})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cold note must not preempt the loader, got %d", len(got))
	}
}
