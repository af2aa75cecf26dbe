package convert

import (
	"path/filepath"
	"strings"
)

// FileKind buckets uploads by the converter chain appropriate to them.
// Detection uses the file extension first and the sniffed content type as
// a fallback; neither is trusted blindly, converters still fail closed on
// bytes they cannot handle.
type FileKind string

const (
	KindText        FileKind = "text"
	KindPDF         FileKind = "pdf"
	KindOffice      FileKind = "office"
	KindSpreadsheet FileKind = "spreadsheet"
	KindJSON        FileKind = "json"
	KindUnknown     FileKind = "unknown"
)

var extKinds = map[string]FileKind{
	".txt":  KindText,
	".md":   KindText,
	".rst":  KindText,
	".log":  KindText,
	".pdf":  KindPDF,
	".doc":  KindOffice,
	".docx": KindOffice,
	".ppt":  KindOffice,
	".pptx": KindOffice,
	".odt":  KindOffice,
	".rtf":  KindOffice,
	".csv":  KindSpreadsheet,
	".tsv":  KindSpreadsheet,
	".xlsx": KindSpreadsheet,
	".xls":  KindSpreadsheet,
	".json": KindJSON,
}

// DetectKind classifies a file from its logical path and sniffed MIME type.
func DetectKind(relativePath, mimeType string) FileKind {
	if kind, ok := extKinds[strings.ToLower(filepath.Ext(relativePath))]; ok {
		return kind
	}
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "text/csv"):
		return KindSpreadsheet
	case strings.HasPrefix(mt, "text/"):
		return KindText
	case strings.HasPrefix(mt, "application/pdf"):
		return KindPDF
	case strings.HasPrefix(mt, "application/json"):
		return KindJSON
	case strings.Contains(mt, "officedocument"), strings.Contains(mt, "msword"),
		strings.Contains(mt, "ms-powerpoint"), strings.Contains(mt, "ms-excel"):
		return KindOffice
	}
	return KindUnknown
}

// NeedsConversion reports whether a kind has converter work at all. Text
// uploads are already normalized and record method "none".
func (k FileKind) NeedsConversion() bool {
	return k != KindText
}
