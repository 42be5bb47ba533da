package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/repos"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// HistoryTurns is N in the bounded context window: at most N user and
// N assistant messages reach the agents.
const HistoryTurns = 20

const defaultSessionTitle = "새 대화"

// ChatService owns sessions and their message history.
type ChatService interface {
	CreateSession(ctx context.Context, rd requestdata.RequestData, title string) (*types.Session, error)
	// EnsureSession resolves an existing owned session or creates one
	// titled after the first message.
	EnsureSession(ctx context.Context, rd requestdata.RequestData, sessionID *uuid.UUID, firstMessage string) (*types.Session, error)
	GetOwnedSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) (*types.Session, error)
	ListSessions(ctx context.Context, rd requestdata.RequestData) ([]*types.Session, error)
	RenameSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID, title string) (*types.Session, error)
	DeleteSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) error

	ListMessages(ctx context.Context, rd requestdata.RequestData, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error)
	// RecentContext returns the bounded history window, oldest first,
	// with unpaired edge messages dropped.
	RecentContext(ctx context.Context, sessionID uuid.UUID) ([]*types.Message, error)
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error)
}

type chatService struct {
	log      *logger.Logger
	sessions repos.SessionRepo
	messages repos.MessageRepo
	cache    *ContextCache
}

func NewChatService(log *logger.Logger, sessions repos.SessionRepo, messages repos.MessageRepo) ChatService {
	return &chatService{
		log:      log.With("service", "ChatService"),
		sessions: sessions,
		messages: messages,
		cache:    NewContextCache(),
	}
}

func (s *chatService) CreateSession(ctx context.Context, rd requestdata.RequestData, title string) (*types.Session, error) {
	if rd.PrincipalID == "" {
		return nil, fmt.Errorf("missing principal")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}
	return s.sessions.Create(ctx, nil, &types.Session{
		PrincipalKind: string(rd.PrincipalKind),
		PrincipalID:   rd.PrincipalID,
		Title:         titleFrom(title),
	})
}

func (s *chatService) EnsureSession(ctx context.Context, rd requestdata.RequestData, sessionID *uuid.UUID, firstMessage string) (*types.Session, error) {
	if sessionID != nil && *sessionID != uuid.Nil {
		return s.GetOwnedSession(ctx, rd, *sessionID)
	}
	return s.CreateSession(ctx, rd, titleFrom(firstMessage))
}

func (s *chatService) GetOwnedSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) (*types.Session, error) {
	session, err := s.sessions.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if session.PrincipalKind != string(rd.PrincipalKind) || session.PrincipalID != rd.PrincipalID {
		// Do not reveal that another principal's session exists.
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *chatService) ListSessions(ctx context.Context, rd requestdata.RequestData) ([]*types.Session, error) {
	if rd.PrincipalID == "" {
		return nil, fmt.Errorf("missing principal")
	}
	return s.sessions.ListByPrincipal(ctx, nil, string(rd.PrincipalKind), rd.PrincipalID, 200)
}

func (s *chatService) RenameSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID, title string) (*types.Session, error) {
	session, err := s.GetOwnedSession(ctx, rd, id)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("title required")
	}
	if err := s.sessions.UpdateTitle(ctx, nil, session.ID, title); err != nil {
		return nil, err
	}
	session.Title = title
	return session, nil
}

func (s *chatService) DeleteSession(ctx context.Context, rd requestdata.RequestData, id uuid.UUID) error {
	session, err := s.GetOwnedSession(ctx, rd, id)
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, nil, session.ID); err != nil {
		return err
	}
	s.cache.Drop(session.ID)
	return nil
}

func (s *chatService) ListMessages(ctx context.Context, rd requestdata.RequestData, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error) {
	if _, err := s.GetOwnedSession(ctx, rd, sessionID); err != nil {
		return nil, err
	}
	return s.messages.ListBySession(ctx, nil, sessionID, limit, afterSeq)
}

func (s *chatService) RecentContext(ctx context.Context, sessionID uuid.UUID) ([]*types.Message, error) {
	return s.cache.Recent(sessionID, func() ([]*types.Message, error) {
		// Over-fetch one so an unpaired trailing user message can be
		// dropped without shrinking the window.
		return s.messages.ListRecent(ctx, nil, sessionID, 2*HistoryTurns+1)
	})
}

func (s *chatService) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error) {
	msg, err := s.messages.Append(ctx, sessionID, role, content, sources, sourceURLs)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, nil, sessionID, msg.CreatedAt); err != nil {
		s.log.Warn("session touch failed", "session_id", sessionID, "error", err)
	}
	s.cache.Note(sessionID, msg)
	return msg, nil
}

// titleFrom derives a session title from the opening message.
func titleFrom(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return defaultSessionTitle
	}
	runes := []rune(message)
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return message
}

// trimToPairs enforces the context bound: oldest-first window of at
// most 2·HistoryTurns messages where no user message is left without
// its assistant reply at either edge.
func trimToPairs(msgs []*types.Message, maxTurns int) []*types.Message {
	// Drop a trailing user message that has no reply yet.
	for len(msgs) > 0 && msgs[len(msgs)-1].Role == types.MessageRoleUser {
		msgs = msgs[:len(msgs)-1]
	}
	if len(msgs) > 2*maxTurns {
		msgs = msgs[len(msgs)-2*maxTurns:]
	}
	// Truncation may have cut a pair in half at the old edge.
	for len(msgs) > 0 && msgs[0].Role == types.MessageRoleAssistant {
		msgs = msgs[1:]
	}
	return msgs
}
