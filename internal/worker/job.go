package worker

import (
	"context"

	"labcopilot/internal/models"
)

type JobType int

const (
	Convert JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Convert:
		return "convert"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// ConversionRequest describes one file to push through the pipeline.
type ConversionRequest struct {
	Context   context.Context
	SessionID string
	Entry     *models.FileEntry
}

// Job is the unit handed to pool workers.
type Job struct {
	Type    JobType
	Convert ConversionRequest
}

func (job Job) projectID() string {
	if job.Type == Convert && job.Convert.Entry != nil {
		return job.Convert.Entry.ProjectID
	}
	return ""
}
