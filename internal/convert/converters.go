package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Converter turns one document into normalized markdown-ish text. Each
// implementation covers a single capability; the pipeline composes them
// into ordered fallback chains.
type Converter interface {
	Name() string
	Convert(ctx context.Context, path string) (string, error)
}

// maxConvertInput caps how much of a file a converter will slurp.
const maxConvertInput = 32 << 20 // 32 MB

func readCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxConvertInput+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxConvertInput {
		return nil, errors.New("file too large to convert")
	}
	return data, nil
}

// plainText passes valid UTF-8 through untouched.
type plainText struct{}

func (plainText) Name() string { return "plaintext" }

func (plainText) Convert(ctx context.Context, path string) (string, error) {
	data, err := readCapped(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.New("not valid utf-8 text")
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", errors.New("binary content")
	}
	return string(data), nil
}

// csvTable renders delimited data as a markdown table.
type csvTable struct{}

func (csvTable) Name() string { return "csv-table" }

func (csvTable) Convert(ctx context.Context, path string) (string, error) {
	data, err := readCapped(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.New("not textual delimited data")
	}
	comma := ','
	if bytes.IndexByte(data, '\t') >= 0 && bytes.IndexByte(data, ',') < 0 {
		comma = '\t'
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return "", errors.New("empty table")
	}

	var sb strings.Builder
	for i, row := range rows {
		sb.WriteString("| ")
		for j, cell := range row {
			if j > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(strings.ReplaceAll(cell, "|", `\|`))
		}
		sb.WriteString(" |\n")
		if i == 0 {
			sb.WriteString("|")
			sb.WriteString(strings.Repeat(" --- |", len(row)))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// jsonDoc pretty-prints JSON inside a fenced block.
type jsonDoc struct{}

func (jsonDoc) Name() string { return "json-pretty" }

func (jsonDoc) Convert(ctx context.Context, path string) (string, error) {
	data, err := readCapped(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	return "```json\n" + buf.String() + "\n```\n", nil
}

// execTool shells out to an external document tool. The tool itself is a
// black box; only its exit status and stdout matter here.
type execTool struct {
	name string
	cmd  string
	args func(path string) []string
}

func (t execTool) Name() string { return t.name }

func (t execTool) Convert(ctx context.Context, path string) (string, error) {
	if _, err := exec.LookPath(t.cmd); err != nil {
		return "", fmt.Errorf("%s unavailable: %w", t.cmd, err)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cmd, t.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", t.cmd, msg)
	}
	return stdout.String(), nil
}

func newPDFToText() Converter {
	return execTool{
		name: "pdftotext",
		cmd:  "pdftotext",
		args: func(path string) []string { return []string{"-layout", path, "-"} },
	}
}

func newPandoc() Converter {
	return execTool{
		name: "pandoc",
		cmd:  "pandoc",
		args: func(path string) []string { return []string{"-t", "gfm", path} },
	}
}

// rawStrings is the last-resort converter: it keeps printable runs from
// otherwise opaque bytes, the way `strings(1)` would.
type rawStrings struct{}

const minRunLength = 4

func (rawStrings) Name() string { return "raw-strings" }

func (rawStrings) Convert(ctx context.Context, path string) (string, error) {
	data, err := readCapped(path)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var run []rune
	flush := func() {
		if len(run) >= minRunLength {
			sb.WriteString(string(run))
			sb.WriteByte('\n')
		}
		run = run[:0]
	}
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == '\t') {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	out := sb.String()
	if strings.TrimSpace(out) == "" {
		return "", errors.New("no printable content")
	}
	return out, nil
}
