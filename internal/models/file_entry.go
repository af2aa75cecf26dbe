package models

import "time"

// ConversionState tracks where a file sits in its conversion lifecycle.
//
// The machine is uploaded -> converting -> {converted, conversion_failed}.
// conversion_failed is terminal for a fingerprint; a re-upload with new
// bytes restarts at uploaded.
type ConversionState string

const (
	StateUploaded         ConversionState = "uploaded"
	StateConverting       ConversionState = "converting"
	StateConverted        ConversionState = "converted"
	StateConversionFailed ConversionState = "conversion_failed"
)

// ConversionMethodNone marks entries whose original bytes are already
// normalized text and needed no converter.
const ConversionMethodNone = "none"

// FileEntry is one row of a project's file ledger.
type FileEntry struct {
	ProjectID        string          `json:"project_id"`
	RelativePath     string          `json:"relative_path"`
	Fingerprint      string          `json:"fingerprint"`
	OriginalPath     string          `json:"original_path"`
	ConvertedPath    string          `json:"converted_path,omitempty"`
	ConversionMethod string          `json:"conversion_method,omitempty"`
	State            ConversionState `json:"state"`
	Size             int64           `json:"size"`
	MimeType         string          `json:"mime_type"`
	UploadedAt       time.Time       `json:"uploaded_at"`
	ConvertedAt      *time.Time      `json:"converted_at,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

// Clone returns a copy so registry callers never share ledger memory.
func (e *FileEntry) Clone() *FileEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.ConvertedAt != nil {
		t := *e.ConvertedAt
		cp.ConvertedAt = &t
	}
	return &cp
}
