package lab

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"labcopilot/internal/config"
	"labcopilot/internal/models"
	"labcopilot/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "ada", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != models.RoleResearcher {
		t.Fatalf("new user role = %q, want researcher", user.Role)
	}
	if user.PasswordHash == "secret" {
		t.Fatal("password stored in plaintext")
	}

	got, err := svc.Login(ctx, "ada", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}

	if _, err := svc.Login(ctx, "ada", "wrong"); err == nil {
		t.Fatal("login accepted a wrong password")
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); err == nil {
		t.Fatal("login accepted an unknown user")
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "ada", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "ada", "other"); err == nil {
		t.Fatal("duplicate username accepted")
	}
	if _, err := svc.RegisterUser(ctx, "", "secret"); err == nil {
		t.Fatal("empty username accepted")
	}
}

func TestCreateAndListProjects(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	owner, _ := svc.RegisterUser(ctx, "owner", "pw")
	other, _ := svc.RegisterUser(ctx, "other", "pw")

	proj, err := svc.CreateProject(ctx, owner.ID, "enzyme assay", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if proj.Workspace != models.DefaultWorkspace {
		t.Fatalf("workspace = %q, want %q", proj.Workspace, models.DefaultWorkspace)
	}

	ws, err := svc.ProjectWorkspace(proj.ID)
	if err != nil || ws != models.DefaultWorkspace {
		t.Fatalf("ProjectWorkspace = %q, %v", ws, err)
	}

	mine, err := svc.ListProjects(ctx, owner.ID)
	if err != nil || len(mine) != 1 {
		t.Fatalf("owner list = %d projects, err %v; want 1", len(mine), err)
	}
	theirs, err := svc.ListProjects(ctx, other.ID)
	if err != nil || len(theirs) != 0 {
		t.Fatalf("stranger list = %d projects; want 0", len(theirs))
	}

	if err := svc.ShareProject(ctx, proj.ID, other.ID, true); err != nil {
		t.Fatalf("share: %v", err)
	}
	theirs, _ = svc.ListProjects(ctx, other.ID)
	if len(theirs) != 1 {
		t.Fatalf("collaborator list = %d projects; want 1", len(theirs))
	}
}

func TestShareProjectUpdatesExistingGrant(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	owner, _ := svc.RegisterUser(ctx, "owner", "pw")
	member, _ := svc.RegisterUser(ctx, "member", "pw")
	proj, _ := svc.CreateProject(ctx, owner.ID, "plasmid map", "main")

	if err := svc.ShareProject(ctx, proj.ID, member.ID, true); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := svc.ShareProject(ctx, proj.ID, member.ID, false); err != nil {
		t.Fatalf("reshare: %v", err)
	}

	var readOnly bool
	if err := db.QueryRow(`SELECT read_only FROM project_members WHERE project_id = ? AND user_id = ?`,
		proj.ID, member.ID).Scan(&readOnly); err != nil {
		t.Fatalf("query share: %v", err)
	}
	if readOnly {
		t.Fatal("reshare did not upgrade the grant")
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM project_members WHERE project_id = ?`, proj.ID).Scan(&count); err != nil {
		t.Fatalf("count shares: %v", err)
	}
	if count != 1 {
		t.Fatalf("share rows = %d, want 1", count)
	}

	if err := svc.UnshareProject(ctx, proj.ID, member.ID); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	list, _ := svc.ListProjects(ctx, member.ID)
	if len(list) != 0 {
		t.Fatal("unshared member still lists the project")
	}
}

func TestArchiveProject(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	owner, _ := svc.RegisterUser(ctx, "owner", "pw")
	proj, _ := svc.CreateProject(ctx, owner.ID, "old study", "main")

	if err := svc.ArchiveProject(ctx, proj.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, err := svc.GetProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Archived {
		t.Fatal("project not marked archived")
	}
	if err := svc.ArchiveProject(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("archiving missing project: got %v, want sql.ErrNoRows", err)
	}
}
