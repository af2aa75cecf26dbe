package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"labcopilot/internal/events"
	"labcopilot/internal/models"
)

// ErrNotFound means the session id is unknown or already expired.
var ErrNotFound = errors.New("session not found")

// DefaultIdleTimeout expires sessions with no activity.
const DefaultIdleTimeout = 2 * time.Hour

// AccessChecker is the slice of access control the registry needs when a
// user selects a project.
type AccessChecker interface {
	CanRead(ctx context.Context, userID int64, projectID string) (bool, error)
}

// Registry tracks live login sessions in memory. Each session may hold at
// most one live connection; attaching a new one supersedes the previous.
// Sessions are created at login and die on logout or idle timeout.
type Registry struct {
	access  AccessChecker
	bus     *events.Bus
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewRegistry(access AccessChecker, bus *events.Bus, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTimeout
	}
	return &Registry{
		access:   access,
		bus:      bus,
		idleTTL:  idleTTL,
		sessions: make(map[string]*models.Session),
	}
}

// Create opens a session for a freshly logged-in user.
func (r *Registry) Create(userID int64) *models.Session {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return cloneSession(sess)
}

// Get returns a copy of the session and refreshes its activity clock.
func (r *Registry) Get(sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	sess.LastActivity = time.Now().UTC()
	return cloneSession(sess), nil
}

// SelectProject switches the session's active project after an access
// check. A denial is reported, never downgraded to a different project.
func (r *Registry) SelectProject(ctx context.Context, sessionID, projectID string) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	userID := sess.UserID
	r.mu.Unlock()

	allowed, err := r.access.CanRead(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}

	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.ActiveProjectID = projectID
		sess.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
	return true, nil
}

// AttachConnection binds a live connection to the session, closing any
// previously attached one.
func (r *Registry) AttachConnection(sessionID string, conn events.Conn) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		sess.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
	if !ok {
		conn.Close()
		return ErrNotFound
	}
	r.bus.Attach(sessionID, conn)
	return nil
}

// Destroy removes a session and its live-connection state.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		r.bus.Forget(sessionID)
	}
}

// DestroyUserSessions drops every session belonging to the user (logout,
// account deletion).
func (r *Registry) DestroyUserSessions(userID int64) {
	r.mu.Lock()
	var doomed []string
	for id, sess := range r.sessions {
		if sess.UserID == userID {
			doomed = append(doomed, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, id := range doomed {
		r.bus.Forget(id)
	}
}

// StartIdleSweeper expires idle sessions periodically. Expiry closes the
// live connection but never cancels in-flight conversions; their outcome
// stays observable in the file registry.
func (r *Registry) StartIdleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-r.idleTTL)
	r.mu.Lock()
	var expired []string
	for id, sess := range r.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, id := range expired {
		r.bus.Forget(id)
	}
	if len(expired) > 0 {
		log.Printf("session: expired %d idle sessions", len(expired))
	}
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	return &cp
}
