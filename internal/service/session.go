package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
	"github.com/capitalize-ai/jobboard/pkg/metrics"
)

// Backend is everything a session needs from the data service.
type Backend interface {
	ConversationBackend
	NotificationBackend
}

// Session is one user's live view: conversations and notifications, and
// the watchers told when either changes.
type Session struct {
	UserID        string
	Conversations *ConversationStore
	Notifications *NotificationFeed

	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[int]chan model.StoreChange
	nextID   int
	lastSeen time.Time
}

func newSession(userID string, limit int, backend Backend, bridge Subscriber, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		UserID:   userID,
		cancel:   cancel,
		watchers: make(map[int]chan model.StoreChange),
		lastSeen: time.Now(),
	}
	s.Conversations = NewConversationStore(ctx, userID, backend, bridge, log, s.broadcast)
	s.Notifications = NewNotificationFeed(userID, limit, backend, bridge, log, s.broadcast)
	return s
}

// Watch returns a channel of change signals and a function that stops
// the watch. Signals are dropped for watchers that fall behind.
func (s *Session) Watch() (<-chan model.StoreChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	ch := make(chan model.StoreChange, 16)
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.lastSeen = time.Now()
			s.mu.Unlock()
		})
	}
}

func (s *Session) broadcast(change model.StoreChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers) == 0 && s.lastSeen.Before(cutoff)
}

// Close releases every subscription of the session.
func (s *Session) Close() {
	s.cancel()
	s.Conversations.Close()
	s.Notifications.Close()
}

// SessionManager keeps one session per active user.
type SessionManager struct {
	backend Backend
	bridge  Subscriber
	limit   int
	idleTTL time.Duration
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(backend Backend, bridge Subscriber, limit int, idleTTL time.Duration, log *logger.Logger) *SessionManager {
	return &SessionManager{
		backend:  backend,
		bridge:   bridge,
		limit:    limit,
		idleTTL:  idleTTL,
		logger:   log.Named("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Get returns userID's session, creating it if needed.
func (m *SessionManager) Get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		s.touch()
		return s
	}

	s := newSession(userID, m.limit, m.backend, m.bridge, m.logger)
	m.sessions[userID] = s
	metrics.SessionsActive.Inc()
	m.logger.Debug("session opened", logger.UserID(userID))
	return s
}

// Evict closes userID's session if there is one.
func (m *SessionManager) Evict(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		s.Close()
		metrics.SessionsActive.Dec()
		m.logger.Debug("session closed", logger.UserID(userID))
	}
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle closes sessions with no watchers that were last used before
// now minus the idle TTL. It returns how many were closed.
func (m *SessionManager) EvictIdle(now time.Time) int {
	cutoff := now.Add(-m.idleTTL)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.Evict(id)
	}
	return len(idle)
}

// Run evicts idle sessions until ctx is done.
func (m *SessionManager) Run(ctx context.Context) {
	interval := m.idleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.EvictIdle(now); n > 0 {
				m.logger.Info("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Close closes every session.
func (m *SessionManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Evict(id)
	}
}
