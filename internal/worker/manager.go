package worker

import (
	"context"
	"errors"

	"labcopilot/internal/models"
)

// ErrDispatcherBusy is returned when the job queue is full. Callers keep
// the file in its uploaded state and can retry later.
var ErrDispatcherBusy = errors.New("conversion queue is full")

// ConvertRunner is what the manager needs from the conversion pipeline.
type ConvertRunner interface {
	Process(ctx context.Context, sessionID string, entry *models.FileEntry)
}

// Manager owns the dispatcher and forwards conversion jobs to the pipeline.
type Manager struct {
	pipeline   ConvertRunner
	dispatcher *Dispatcher
}

func NewManager(pipeline ConvertRunner, cfg DispatcherConfig) *Manager {
	m := &Manager{pipeline: pipeline}
	m.dispatcher = NewDispatcher(cfg, m)
	return m
}

// Enqueue queues one conversion without blocking the upload handler.
func (m *Manager) Enqueue(req ConversionRequest) error {
	if req.Entry == nil {
		return errors.New("conversion request has no file entry")
	}
	if req.Context == nil {
		req.Context = context.Background()
	}
	job := Job{Type: Convert, Convert: req}
	select {
	case m.dispatcher.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// CancelProject drops queued conversions for a project, e.g. on archive.
func (m *Manager) CancelProject(projectID string) {
	m.dispatcher.CancelProject(projectID)
}

func (m *Manager) handleConvert(req ConversionRequest) {
	debugLog("[manager] converting %s/%s", req.Entry.ProjectID, req.Entry.RelativePath)
	m.pipeline.Process(req.Context, req.SessionID, req.Entry)
}
