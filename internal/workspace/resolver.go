package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal marks a relative path that would escape its project
// workspace. It is fatal to the operation that supplied the path.
var ErrPathTraversal = errors.New("path escapes project workspace")

const (
	originalsDir = "originals"
	registryDir  = ".registry"
	convertedDir = "converted"
	ledgerFile   = "file_registry.json"
	// ConvertedSuffix is appended to a relative path to name its
	// normalized-text artifact.
	ConvertedSuffix = ".md"
)

// Resolver maps (project, relative path) pairs onto the on-disk workspace
// layout:
//
//	<data_root>/<project_id>/<workspace>/originals/<relative_path>
//	<data_root>/<project_id>/<workspace>/.registry/converted/<relative_path>.md
//	<data_root>/<project_id>/<workspace>/.registry/file_registry.json
//
// Resolution is a pure function over the data root; it never creates
// directories.
type Resolver struct {
	dataRoot string
}

func NewResolver(dataRoot string) *Resolver {
	return &Resolver{dataRoot: filepath.Clean(dataRoot)}
}

// DataRoot reports the configured storage root.
func (r *Resolver) DataRoot() string {
	return r.dataRoot
}

// Normalize cleans a client-supplied relative path. Absolute paths, empty
// paths, and any path that still points upward after collapsing ".."
// segments are rejected, never silently corrected.
func Normalize(relativePath string) (string, error) {
	p := strings.TrimSpace(relativePath)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	p = filepath.ToSlash(p)
	if strings.HasPrefix(p, "/") || filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, relativePath)
	}
	if strings.ContainsRune(p, '\x00') {
		return "", fmt.Errorf("%w: invalid path", ErrPathTraversal)
	}
	cleaned := filepath.Clean(filepath.FromSlash(p))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relativePath)
	}
	// The registry directory is reserved for the ledger and converted cache.
	if first := strings.SplitN(filepath.ToSlash(cleaned), "/", 2)[0]; first == registryDir {
		return "", fmt.Errorf("%w: %q is reserved", ErrPathTraversal, registryDir)
	}
	return filepath.ToSlash(cleaned), nil
}

// WorkspaceDir returns the experiment workspace directory of a project.
func (r *Resolver) WorkspaceDir(projectID, workspace string) (string, error) {
	if err := validSegment(projectID); err != nil {
		return "", err
	}
	if err := validSegment(workspace); err != nil {
		return "", err
	}
	return filepath.Join(r.dataRoot, projectID, workspace), nil
}

// OriginalPath resolves where the uploaded bytes of relativePath live.
func (r *Resolver) OriginalPath(projectID, workspace, relativePath string) (string, error) {
	return r.resolve(projectID, workspace, originalsDir, relativePath, "")
}

// ConvertedPath resolves where the normalized-text artifact of
// relativePath lives.
func (r *Resolver) ConvertedPath(projectID, workspace, relativePath string) (string, error) {
	return r.resolve(projectID, workspace, filepath.Join(registryDir, convertedDir), relativePath, ConvertedSuffix)
}

// LedgerPath resolves the project's persisted file ledger.
func (r *Resolver) LedgerPath(projectID, workspace string) (string, error) {
	dir, err := r.WorkspaceDir(projectID, workspace)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, registryDir, ledgerFile), nil
}

func (r *Resolver) resolve(projectID, workspace, subtree, relativePath, suffix string) (string, error) {
	dir, err := r.WorkspaceDir(projectID, workspace)
	if err != nil {
		return "", err
	}
	rel, err := Normalize(relativePath)
	if err != nil {
		return "", err
	}
	base := filepath.Join(dir, subtree)
	abs := filepath.Join(base, filepath.FromSlash(rel)+suffix)
	if !within(base, abs) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relativePath)
	}
	if err := r.checkSymlinks(base, abs); err != nil {
		return "", err
	}
	return abs, nil
}

// checkSymlinks rejects paths whose existing ancestors resolve outside the
// workspace subtree via symlinks. Missing components are fine; they cannot
// redirect anywhere yet.
func (r *Resolver) checkSymlinks(base, abs string) error {
	cursor := abs
	for {
		resolved, err := filepath.EvalSymlinks(cursor)
		if err == nil {
			resolvedBase, berr := filepath.EvalSymlinks(base)
			if berr != nil {
				// Base itself does not exist yet; the deepest existing
				// ancestor sits above it and cannot redirect the path.
				return nil
			}
			if !within(resolvedBase, resolved) {
				return fmt.Errorf("%w: symlink escapes workspace", ErrPathTraversal)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("resolve %s: %w", cursor, err)
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			return nil
		}
		if !within(base, parent) {
			return nil
		}
		cursor = parent
	}
}

func within(base, candidate string) bool {
	if candidate == base {
		return true
	}
	return strings.HasPrefix(candidate, base+string(filepath.Separator))
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("%w: invalid identifier %q", ErrPathTraversal, s)
	}
	if strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, '\x00') {
		return fmt.Errorf("%w: invalid identifier %q", ErrPathTraversal, s)
	}
	return nil
}
