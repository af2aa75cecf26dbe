package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"labcopilot/internal/models"
	"labcopilot/internal/workspace"
)

var (
	// ErrNotFound means no ledger entry exists for the requested path.
	ErrNotFound = errors.New("file not registered")
	// ErrStaleAttempt means a conversion attempt refers to a fingerprint
	// that has been superseded by a newer upload.
	ErrStaleAttempt = errors.New("conversion attempt superseded")
	// ErrBadTransition means a state transition was requested out of order.
	ErrBadTransition = errors.New("invalid conversion state transition")
	// ErrQuotaExceeded means an upload would push the project past its
	// storage limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// WorkspaceFunc reports the experiment workspace directory name of a
// project. Wired to the project store by the caller.
type WorkspaceFunc func(projectID string) (string, error)

// Registry is the durable per-project file ledger. The persisted JSON file
// is the single source of truth; the in-memory cache is write-through and
// updated only after a successful persist.
type Registry struct {
	resolver     *workspace.Resolver
	workspaceFor WorkspaceFunc
	storageLimit int64 // bytes per project, 0 means unlimited

	mu      sync.Mutex
	ledgers map[string]*ledger
}

type ledger struct {
	mu        sync.Mutex
	projectID string
	workspace string
	path      string
	entries   map[string]*models.FileEntry
}

type ledgerFile struct {
	Workspace string              `json:"workspace"`
	Files     []*models.FileEntry `json:"files"`
}

func New(resolver *workspace.Resolver, workspaceFor WorkspaceFunc, storageLimit int64) *Registry {
	return &Registry{
		resolver:     resolver,
		workspaceFor: workspaceFor,
		storageLimit: storageLimit,
		ledgers:      make(map[string]*ledger),
	}
}

// Fingerprint hashes uploaded bytes so identical re-uploads are detected.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintFile hashes a file already on disk.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RegisterUpload records an uploaded file and moves its bytes into place.
// tempPath must hold the uploaded content on the same filesystem as the
// workspace; it is renamed into the originals tree under the ledger lock
// so quota accounting, supersession, and the bytes on disk stay
// consistent under concurrent uploads. Idempotent: an entry with the same
// path and fingerprint is returned unchanged and the temp file discarded.
// Different bytes on the same path supersede the prior entry and
// invalidate any stale converted artifact.
func (r *Registry) RegisterUpload(projectID, relativePath, fingerprint, tempPath string, size int64, mimeType string) (*models.FileEntry, bool, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, false, err
	}

	led.mu.Lock()
	defer led.mu.Unlock()

	if existing, ok := led.entries[relativePath]; ok && existing.Fingerprint == fingerprint {
		_ = os.Remove(tempPath)
		return existing.Clone(), false, nil
	}

	if r.storageLimit > 0 {
		var total int64
		for rel, prior := range led.entries {
			if rel == relativePath {
				// Replaced bytes free their share of the quota.
				continue
			}
			total += prior.Size
		}
		if total+size > r.storageLimit {
			_ = os.Remove(tempPath)
			return nil, false, ErrQuotaExceeded
		}
	}

	originalPath, err := r.resolver.OriginalPath(projectID, led.workspace, relativePath)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(originalPath), 0o755); err != nil {
		_ = os.Remove(tempPath)
		return nil, false, fmt.Errorf("create originals dir: %w", err)
	}
	if err := os.Rename(tempPath, originalPath); err != nil {
		_ = os.Remove(tempPath)
		return nil, false, fmt.Errorf("install upload: %w", err)
	}

	entry := &models.FileEntry{
		ProjectID:    projectID,
		RelativePath: relativePath,
		Fingerprint:  fingerprint,
		OriginalPath: originalPath,
		Size:         size,
		MimeType:     mimeType,
		State:        models.StateUploaded,
		UploadedAt:   time.Now().UTC(),
	}

	stale := led.entries[relativePath]
	led.entries[relativePath] = entry
	if err := led.persist(); err != nil {
		// Roll the cache back so it never diverges from disk.
		if stale != nil {
			led.entries[relativePath] = stale
		} else {
			delete(led.entries, relativePath)
		}
		return nil, false, err
	}
	if stale != nil && stale.ConvertedPath != "" {
		if err := os.Remove(stale.ConvertedPath); err != nil && !os.IsNotExist(err) {
			log.Printf("registry: remove stale artifact %s: %v", stale.ConvertedPath, err)
		}
	}
	return entry.Clone(), true, nil
}

// MarkConverting atomically claims the uploaded -> converting transition.
// It returns true for exactly one caller per fingerprint; concurrent
// retries and attempts against superseded fingerprints get false.
func (r *Registry) MarkConverting(projectID, relativePath, fingerprint string) (bool, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		return false, err
	}

	led.mu.Lock()
	defer led.mu.Unlock()

	entry, ok := led.entries[relativePath]
	if !ok || entry.Fingerprint != fingerprint {
		return false, nil
	}
	if entry.State != models.StateUploaded {
		return false, nil
	}
	entry.State = models.StateConverting
	if err := led.persist(); err != nil {
		entry.State = models.StateUploaded
		return false, err
	}
	return true, nil
}

// MarkConverted completes the converting -> converted transition.
func (r *Registry) MarkConverted(projectID, relativePath, fingerprint, convertedPath, method string) error {
	return r.finish(projectID, relativePath, fingerprint, func(entry *models.FileEntry) {
		now := time.Now().UTC()
		entry.State = models.StateConverted
		entry.ConvertedPath = convertedPath
		entry.ConversionMethod = method
		entry.ConvertedAt = &now
		entry.FailureReason = ""
	})
}

// InstallConverted moves a finished artifact into place and completes the
// converting -> converted transition in one step under the ledger lock.
// The fingerprint check runs before the rename, so a stale attempt can
// never install over, or otherwise touch, an artifact owned by the
// fingerprint that superseded it. Returns the installed artifact path.
func (r *Registry) InstallConverted(projectID, relativePath, fingerprint, tempArtifact, method string) (string, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		return "", err
	}

	led.mu.Lock()
	defer led.mu.Unlock()

	entry, ok := led.entries[relativePath]
	if !ok {
		return "", ErrNotFound
	}
	if entry.Fingerprint != fingerprint {
		return "", ErrStaleAttempt
	}
	if entry.State != models.StateConverting {
		return "", fmt.Errorf("%w: %s", ErrBadTransition, entry.State)
	}

	convertedPath, err := r.resolver.ConvertedPath(projectID, led.workspace, relativePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(convertedPath), 0o755); err != nil {
		return "", fmt.Errorf("create converted dir: %w", err)
	}
	if err := os.Rename(tempArtifact, convertedPath); err != nil {
		return "", fmt.Errorf("install artifact: %w", err)
	}

	prev := entry.Clone()
	now := time.Now().UTC()
	entry.State = models.StateConverted
	entry.ConvertedPath = convertedPath
	entry.ConversionMethod = method
	entry.ConvertedAt = &now
	entry.FailureReason = ""
	if err := led.persist(); err != nil {
		*entry = *prev
		return "", err
	}
	return convertedPath, nil
}

// MarkConversionFailed completes the converting -> conversion_failed
// transition. The original file remains the best readable version.
func (r *Registry) MarkConversionFailed(projectID, relativePath, fingerprint, reason string) error {
	return r.finish(projectID, relativePath, fingerprint, func(entry *models.FileEntry) {
		entry.State = models.StateConversionFailed
		entry.ConvertedPath = ""
		entry.ConversionMethod = ""
		entry.ConvertedAt = nil
		entry.FailureReason = reason
	})
}

func (r *Registry) finish(projectID, relativePath, fingerprint string, apply func(*models.FileEntry)) error {
	led, err := r.ledger(projectID)
	if err != nil {
		return err
	}

	led.mu.Lock()
	defer led.mu.Unlock()

	entry, ok := led.entries[relativePath]
	if !ok {
		return ErrNotFound
	}
	if entry.Fingerprint != fingerprint {
		return ErrStaleAttempt
	}
	if entry.State != models.StateConverting {
		return fmt.Errorf("%w: %s", ErrBadTransition, entry.State)
	}

	prev := entry.Clone()
	apply(entry)
	if err := led.persist(); err != nil {
		*entry = *prev
		return err
	}
	return nil
}

// Get returns a copy of the ledger entry for the path.
func (r *Registry) Get(projectID, relativePath string) (*models.FileEntry, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		return nil, err
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	entry, ok := led.entries[relativePath]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

// List returns every entry of a project ordered by path.
func (r *Registry) List(projectID string) ([]*models.FileEntry, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		return nil, err
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	out := make([]*models.FileEntry, 0, len(led.entries))
	for _, entry := range led.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// Usage reports the total size of originals registered for a project.
func (r *Registry) Usage(projectID string) (int64, error) {
	led, err := r.ledger(projectID)
	if err != nil {
		return 0, err
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	var total int64
	for _, entry := range led.entries {
		total += entry.Size
	}
	return total, nil
}

// ResolveBestVersion returns the normalized artifact when conversion has
// finished, otherwise the original upload. Conversion failures degrade to
// the original rather than surfacing an error.
func (r *Registry) ResolveBestVersion(projectID, relativePath string) (string, error) {
	entry, err := r.Get(projectID, relativePath)
	if err != nil {
		return "", err
	}
	if entry.State == models.StateConverted && entry.ConvertedPath != "" {
		return entry.ConvertedPath, nil
	}
	return entry.OriginalPath, nil
}

// Rebuild reconstructs the ledger from the files actually on disk. Used on
// startup when the persisted ledger is missing or unreadable, and by the
// explicit repair path.
func (r *Registry) Rebuild(projectID string) error {
	led, err := r.ledger(projectID)
	if err != nil {
		return err
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	return led.rebuildLocked(r.resolver)
}

func (r *Registry) ledger(projectID string) (*ledger, error) {
	r.mu.Lock()
	if led, ok := r.ledgers[projectID]; ok {
		r.mu.Unlock()
		return led, nil
	}
	r.mu.Unlock()

	ws, err := r.workspaceFor(projectID)
	if err != nil {
		return nil, err
	}
	path, err := r.resolver.LedgerPath(projectID, ws)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if led, ok := r.ledgers[projectID]; ok {
		return led, nil
	}
	led := &ledger{
		projectID: projectID,
		workspace: ws,
		path:      path,
		entries:   make(map[string]*models.FileEntry),
	}
	led.load(r.resolver)
	r.ledgers[projectID] = led
	return led, nil
}

// load reads the persisted ledger. An unreadable or unparseable file is
// corruption: it is logged and answered with a filesystem rebuild, never a
// crash.
func (led *ledger) load(resolver *workspace.Resolver) {
	data, err := os.ReadFile(led.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("registry: read ledger %s: %v, rebuilding", led.path, err)
		if err := led.rebuildLocked(resolver); err != nil {
			log.Printf("registry: rebuild %s: %v", led.projectID, err)
		}
		return
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		log.Printf("registry: decode ledger %s: %v, rebuilding", led.path, err)
		if err := led.rebuildLocked(resolver); err != nil {
			log.Printf("registry: rebuild %s: %v", led.projectID, err)
		}
		return
	}
	for _, entry := range lf.Files {
		if entry == nil || entry.RelativePath == "" {
			continue
		}
		// A crash mid-conversion must not leave the machine stuck.
		if entry.State == models.StateConverting {
			entry.State = models.StateUploaded
		}
		led.entries[entry.RelativePath] = entry
	}
}

// persist writes the ledger through to disk. Callers hold led.mu.
func (led *ledger) persist() error {
	lf := ledgerFile{Workspace: led.workspace, Files: make([]*models.FileEntry, 0, len(led.entries))}
	for _, entry := range led.entries {
		lf.Files = append(lf.Files, entry)
	}
	sort.Slice(lf.Files, func(i, j int) bool { return lf.Files[i].RelativePath < lf.Files[j].RelativePath })

	data, err := json.MarshalIndent(&lf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(led.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := led.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, led.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func (led *ledger) rebuildLocked(resolver *workspace.Resolver) error {
	dir, err := resolver.WorkspaceDir(led.projectID, led.workspace)
	if err != nil {
		return err
	}
	originals := filepath.Join(dir, "originals")
	rebuilt := make(map[string]*models.FileEntry)

	walkErr := filepath.WalkDir(originals, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(originals, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		fp, err := FingerprintFile(path)
		if err != nil {
			log.Printf("registry: fingerprint %s: %v", path, err)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := &models.FileEntry{
			ProjectID:    led.projectID,
			RelativePath: rel,
			Fingerprint:  fp,
			OriginalPath: path,
			Size:         info.Size(),
			State:        models.StateUploaded,
			UploadedAt:   info.ModTime().UTC(),
		}
		if converted, cerr := resolver.ConvertedPath(led.projectID, led.workspace, rel); cerr == nil {
			if st, serr := os.Stat(converted); serr == nil {
				mod := st.ModTime().UTC()
				entry.State = models.StateConverted
				entry.ConvertedPath = converted
				entry.ConversionMethod = recoveredMethod
				entry.ConvertedAt = &mod
			}
		}
		rebuilt[rel] = entry
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, os.ErrNotExist) {
		return fmt.Errorf("scan originals: %w", walkErr)
	}

	led.entries = rebuilt
	return led.persist()
}

// recoveredMethod marks entries whose converter is unknown because the
// entry was reconstructed from disk.
const recoveredMethod = "recovered"
