package services

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/ipsibridge-backend/internal/types"
)

// maxCachedSessions bounds resident context windows; eviction is
// arbitrary since the loader rebuilds a window from the database.
const maxCachedSessions = 1024

// ContextCache keeps each session's recent message window in memory so
// a turn does not hit the database for history it just wrote. Each
// session has its own lock; appends within a session are already
// serialized upstream.
type ContextCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*sessionWindow
}

type sessionWindow struct {
	mu     sync.Mutex
	loaded bool
	msgs   []*types.Message
}

func NewContextCache() *ContextCache {
	return &ContextCache{entries: make(map[uuid.UUID]*sessionWindow)}
}

func (c *ContextCache) window(sessionID uuid.UUID) *sessionWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.entries[sessionID]
	if !ok {
		if len(c.entries) >= maxCachedSessions {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
		w = &sessionWindow{}
		c.entries[sessionID] = w
	}
	return w
}

// Recent returns the pair-trimmed context window, loading it on a cold
// start through the supplied loader (oldest-first messages).
func (c *ContextCache) Recent(sessionID uuid.UUID, load func() ([]*types.Message, error)) ([]*types.Message, error) {
	w := c.window(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loaded {
		msgs, err := load()
		if err != nil {
			return nil, err
		}
		w.msgs = msgs
		w.loaded = true
	}

	trimmed := trimToPairs(append([]*types.Message(nil), w.msgs...), HistoryTurns)
	out := make([]*types.Message, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

// Note records a freshly persisted message in the window. Cold windows
// are left untouched; they will load from the database anyway.
func (c *ContextCache) Note(sessionID uuid.UUID, msgs ...*types.Message) {
	w := c.window(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded {
		return
	}
	w.msgs = append(w.msgs, msgs...)
	if overflow := len(w.msgs) - (2*HistoryTurns + 2); overflow > 0 {
		w.msgs = w.msgs[overflow:]
	}
}

func (c *ContextCache) Drop(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}
