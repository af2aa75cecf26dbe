package models

import "time"

// Project is an isolated document workspace owned by a single user.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Workspace string    `json:"workspace"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
}

// Member records a collaborator share on a project. Only the access
// package is allowed to read member rows.
type Member struct {
	ProjectID string    `json:"project_id"`
	UserID    int64     `json:"user_id"`
	ReadOnly  bool      `json:"read_only"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultWorkspace names the experiment directory placed between a project
// root and its originals/ tree when none is chosen at creation time.
const DefaultWorkspace = "main"
