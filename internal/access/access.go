package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"labcopilot/internal/models"
	"labcopilot/internal/redis"
)

// ErrAccessDenied is surfaced to the caller and never retried
// automatically.
var ErrAccessDenied = errors.New("access denied")

const (
	decisionReadWrite = "rw"
	decisionReadOnly  = "ro"
	decisionDeny      = "deny"

	cacheTTL = 5 * time.Minute
)

// Control decides whether a user may read or write a project. It is the
// only component allowed to read collaborator rows. Decisions are cached
// in redis and invalidated when a share changes.
type Control struct {
	db    *sql.DB
	cache *redis.Client
}

func New(db *sql.DB, cache *redis.Client) *Control {
	return &Control{db: db, cache: cache}
}

// CanRead reports whether the user may read the project.
func (c *Control) CanRead(ctx context.Context, userID int64, projectID string) (bool, error) {
	d, err := c.decision(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return d != decisionDeny, nil
}

// CanWrite reports whether the user may modify project contents.
func (c *Control) CanWrite(ctx context.Context, userID int64, projectID string) (bool, error) {
	d, err := c.decision(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return d == decisionReadWrite, nil
}

// Invalidate drops the cached decision after a membership change.
func (c *Control) Invalidate(ctx context.Context, userID int64, projectID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Del(ctx, cacheKey(userID, projectID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("access: invalidate cache: %v", err)
	}
}

func (c *Control) decision(ctx context.Context, userID int64, projectID string) (string, error) {
	if userID <= 0 || projectID == "" {
		return decisionDeny, nil
	}
	key := cacheKey(userID, projectID)
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key); err == nil {
			switch cached {
			case decisionReadWrite, decisionReadOnly, decisionDeny:
				return cached, nil
			}
		} else if err != redis.ErrCacheMiss {
			log.Printf("access: cache lookup: %v", err)
		}
	}

	d, err := c.evaluate(ctx, userID, projectID)
	if err != nil {
		return decisionDeny, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, d, cacheTTL); err != nil {
			log.Printf("access: cache store: %v", err)
		}
	}
	return d, nil
}

func (c *Control) evaluate(ctx context.Context, userID int64, projectID string) (string, error) {
	var role models.UserRole
	err := c.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decisionDeny, nil
		}
		return decisionDeny, fmt.Errorf("lookup user: %w", err)
	}

	var ownerID int64
	var archived bool
	err = c.db.QueryRowContext(ctx, `SELECT owner_id, archived FROM projects WHERE id = ?`, projectID).Scan(&ownerID, &archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decisionDeny, nil
		}
		return decisionDeny, fmt.Errorf("lookup project: %w", err)
	}

	grant := decisionDeny
	switch {
	case role == models.RoleAdmin:
		grant = decisionReadWrite
	case ownerID == userID:
		grant = decisionReadWrite
	default:
		var readOnly bool
		err = c.db.QueryRowContext(ctx,
			`SELECT read_only FROM project_members WHERE project_id = ? AND user_id = ?`,
			projectID, userID,
		).Scan(&readOnly)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return decisionDeny, nil
			}
			return decisionDeny, fmt.Errorf("lookup membership: %w", err)
		}
		if readOnly {
			grant = decisionReadOnly
		} else {
			grant = decisionReadWrite
		}
	}

	// Archived projects stay readable but frozen.
	if archived && grant == decisionReadWrite {
		grant = decisionReadOnly
	}
	return grant, nil
}

func cacheKey(userID int64, projectID string) string {
	return fmt.Sprintf("access:%s:%d", projectID, userID)
}
