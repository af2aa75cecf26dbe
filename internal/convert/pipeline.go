package convert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"labcopilot/internal/models"
	"labcopilot/internal/registry"
	"labcopilot/internal/workspace"
)

// ErrConversionFailed means every converter in the fallback chain was
// exhausted. Non-fatal: the original bytes stay the best version.
var ErrConversionFailed = errors.New("all converters failed")

// DefaultAttemptTimeout bounds one converter attempt.
const DefaultAttemptTimeout = 2 * time.Minute

// EventSink receives lifecycle notifications for the owning session.
// Publishing never blocks conversion work.
type EventSink interface {
	Publish(sessionID string, kind models.EventKind, payload map[string]string)
}

// Pipeline walks the fallback chain for a file's kind and drives the
// registry transition sequence exactly once per attempt. It owns fallback
// ordering and timeout enforcement; converter quality is out of its hands.
type Pipeline struct {
	registry     *registry.Registry
	resolver     *workspace.Resolver
	workspaceFor registry.WorkspaceFunc
	events       EventSink
	timeout      time.Duration
	chains       map[FileKind][]Converter
}

func NewPipeline(reg *registry.Registry, resolver *workspace.Resolver, workspaceFor registry.WorkspaceFunc, events EventSink, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Pipeline{
		registry:     reg,
		resolver:     resolver,
		workspaceFor: workspaceFor,
		events:       events,
		timeout:      timeout,
		chains: map[FileKind][]Converter{
			KindPDF:         {newPDFToText(), rawStrings{}},
			KindOffice:      {newPandoc(), rawStrings{}},
			KindSpreadsheet: {csvTable{}, rawStrings{}},
			KindJSON:        {jsonDoc{}, plainText{}},
			KindUnknown:     {plainText{}, rawStrings{}},
		},
	}
}

// Process converts one registered upload. Exactly one of MarkConverted or
// MarkConversionFailed follows a successful MarkConverting claim; the
// entry is never left in converting. Duplicate claims return quietly.
func (p *Pipeline) Process(ctx context.Context, sessionID string, entry *models.FileEntry) {
	claimed, err := p.registry.MarkConverting(entry.ProjectID, entry.RelativePath, entry.Fingerprint)
	if err != nil {
		log.Printf("convert: claim %s/%s: %v", entry.ProjectID, entry.RelativePath, err)
		return
	}
	if !claimed {
		// Another attempt is in flight or the upload was superseded.
		return
	}

	p.emit(sessionID, models.EventConversionStarted, map[string]string{
		"project_id":    entry.ProjectID,
		"relative_path": entry.RelativePath,
	})

	kind := DetectKind(entry.RelativePath, entry.MimeType)
	if !kind.NeedsConversion() {
		if err := p.registry.MarkConverted(entry.ProjectID, entry.RelativePath, entry.Fingerprint, "", models.ConversionMethodNone); err != nil {
			p.abandon(sessionID, entry, err)
			return
		}
		p.emit(sessionID, models.EventConversionFinished, map[string]string{
			"project_id":    entry.ProjectID,
			"relative_path": entry.RelativePath,
			"method":        models.ConversionMethodNone,
		})
		return
	}

	text, method, convErr := p.runChain(ctx, kind, entry.OriginalPath)
	if convErr != nil {
		if err := p.registry.MarkConversionFailed(entry.ProjectID, entry.RelativePath, entry.Fingerprint, convErr.Error()); err != nil {
			p.abandon(sessionID, entry, err)
			return
		}
		p.emit(sessionID, models.EventError, map[string]string{
			"project_id":    entry.ProjectID,
			"relative_path": entry.RelativePath,
			"error":         convErr.Error(),
		})
		return
	}

	staged, err := p.stageArtifact(entry, text)
	if err != nil {
		if ferr := p.registry.MarkConversionFailed(entry.ProjectID, entry.RelativePath, entry.Fingerprint, err.Error()); ferr != nil {
			p.abandon(sessionID, entry, ferr)
			return
		}
		p.emit(sessionID, models.EventError, map[string]string{
			"project_id":    entry.ProjectID,
			"relative_path": entry.RelativePath,
			"error":         err.Error(),
		})
		return
	}

	if _, err := p.registry.InstallConverted(entry.ProjectID, entry.RelativePath, entry.Fingerprint, staged, method); err != nil {
		// Only the staged copy belongs to this attempt; the shared
		// artifact path belongs to whichever fingerprint the registry
		// says is current.
		_ = os.Remove(staged)
		if errors.Is(err, registry.ErrStaleAttempt) {
			// A newer upload superseded this fingerprint mid-conversion.
			return
		}
		p.abandon(sessionID, entry, err)
		return
	}

	p.emit(sessionID, models.EventConversionFinished, map[string]string{
		"project_id":    entry.ProjectID,
		"relative_path": entry.RelativePath,
		"method":        method,
	})
}

// runChain tries each converter in order under its own timeout. The first
// well-formed, non-empty result wins.
func (p *Pipeline) runChain(ctx context.Context, kind FileKind, originalPath string) (string, string, error) {
	chain, ok := p.chains[kind]
	if !ok || len(chain) == 0 {
		chain = p.chains[KindUnknown]
	}

	var failures []string
	for _, conv := range chain {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		text, err := conv.Convert(attemptCtx, originalPath)
		cancel()
		if err == nil && wellFormed(text) {
			return text, conv.Name(), nil
		}
		if err == nil {
			err = errors.New("produced no usable text")
		}
		failures = append(failures, fmt.Sprintf("%s: %v", conv.Name(), err))
	}
	return "", "", fmt.Errorf("%w: %s", ErrConversionFailed, strings.Join(failures, "; "))
}

// stageArtifact writes the converted text next to its final destination
// under a fingerprint-scoped name. The registry renames it into place only
// after the fingerprint check passes, so concurrent attempts for the same
// relative path never clobber each other.
func (p *Pipeline) stageArtifact(entry *models.FileEntry, text string) (string, error) {
	ws, err := p.workspaceFor(entry.ProjectID)
	if err != nil {
		return "", err
	}
	path, err := p.resolver.ConvertedPath(entry.ProjectID, ws, entry.RelativePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create converted dir: %w", err)
	}
	staged := fmt.Sprintf("%s.%s.tmp", path, shortFingerprint(entry.Fingerprint))
	if err := os.WriteFile(staged, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return staged, nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// abandon logs a registry bookkeeping error after a claim. ErrStaleAttempt
// is expected under supersession; anything else is a real fault.
func (p *Pipeline) abandon(sessionID string, entry *models.FileEntry, err error) {
	if errors.Is(err, registry.ErrStaleAttempt) {
		return
	}
	log.Printf("convert: finish %s/%s: %v", entry.ProjectID, entry.RelativePath, err)
	p.emit(sessionID, models.EventError, map[string]string{
		"project_id":    entry.ProjectID,
		"relative_path": entry.RelativePath,
		"error":         err.Error(),
	})
}

func (p *Pipeline) emit(sessionID string, kind models.EventKind, payload map[string]string) {
	if p.events == nil || sessionID == "" {
		return
	}
	p.events.Publish(sessionID, kind, payload)
}

func wellFormed(text string) bool {
	return strings.TrimSpace(text) != "" && utf8.ValidString(text)
}
