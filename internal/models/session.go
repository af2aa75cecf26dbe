package models

import "time"

// Session binds a logged-in user to their currently selected project and,
// at most, one live connection. Sessions live in memory only.
type Session struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	ActiveProjectID string    `json:"active_project_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}
