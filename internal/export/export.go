// Package export serialises a filtered timeline into JSON, CSV, PDF or PNG.
// Each kind of optional content (AI logs, context snapshots, performance
// metrics, errors) is toggled independently of the others and of the format.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/timeline"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatPDF  Format = "pdf"
	FormatPNG  Format = "png"
)

// ErrTooLarge is returned when a rendered payload exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("export exceeds size limit")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatPDF, FormatPNG:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json, csv, pdf or png)", s)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	case FormatPNG:
		return "image/png"
	}
	return "application/octet-stream"
}

type Options struct {
	Format           Format    `json:"format"`
	IncludeAILogs    bool      `json:"includeAILogs"`
	IncludeSnapshots bool      `json:"includeSnapshots"`
	IncludeMetrics   bool      `json:"includeMetrics"`
	IncludeErrors    bool      `json:"includeErrors"`
	JourneyID        string    `json:"journeyId"`
	RunID            string    `json:"runId"`
	Timestamp        time.Time `json:"timestamp"`
	// MaxBytes caps the rendered size. Zero means no limit.
	MaxBytes int64 `json:"maxBytes,omitempty"`
}

// Result is either a success carrying Filename, URL and Size, or a failure
// carrying Error. Payload holds the rendered bytes on success.
type Result struct {
	Filename string `json:"filename,omitempty"`
	Format   Format `json:"format,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
	Payload  []byte `json:"-"`
}

func (r Result) Ok() bool { return r.Error == "" }

func failed(err error) Result { return Result{Error: err.Error()} }

// Sink stores a rendered export and returns where it can be fetched.
type Sink interface {
	Put(ctx context.Context, filename string, data []byte) (url string, err error)
}

// Filename is deterministic in its inputs, so repeated exports of one run
// at different times never collide.
func Filename(journeyID, runID string, f Format, ts time.Time) string {
	return fmt.Sprintf("journey-%s-run-%s-%s.%s",
		safeName(journeyID), safeName(runID), ts.UTC().Format("20060102T150405Z"), f)
}

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// Export renders items and hands the payload to sink. A nil sink leaves the
// bytes in Result.Payload only. Failures come back as a Result, never as a
// panic or error.
func Export(ctx context.Context, items []timeline.Item, m *metrics.TimelinePerformanceMetrics, opts Options, sink Sink) Result {
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now()
	}
	data, err := Render(items, m, opts)
	if err != nil {
		return failed(err)
	}
	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return failed(fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), opts.MaxBytes))
	}

	res := Result{
		Filename: Filename(opts.JourneyID, opts.RunID, opts.Format, opts.Timestamp),
		Format:   opts.Format,
		Size:     int64(len(data)),
		Payload:  data,
	}
	if sink != nil {
		url, err := sink.Put(ctx, res.Filename, data)
		if err != nil {
			return failed(fmt.Errorf("storing export: %w", err))
		}
		res.URL = url
	}
	return res
}

// Render produces the payload bytes for opts.Format.
func Render(items []timeline.Item, m *metrics.TimelinePerformanceMetrics, opts Options) ([]byte, error) {
	projected := Project(items, opts)
	if !opts.IncludeMetrics {
		m = nil
	}
	switch opts.Format {
	case FormatJSON:
		return renderJSON(projected, m, opts)
	case FormatCSV:
		return renderCSV(projected, opts)
	case FormatPDF:
		return renderPDF(pdfLines(projected, m, opts)), nil
	case FormatPNG:
		return renderPNG(projected)
	}
	return nil, fmt.Errorf("unknown export format %q", opts.Format)
}

// Project strips the optional content opts does not include. The input is
// not modified.
func Project(items []timeline.Item, opts Options) []timeline.Item {
	out := make([]timeline.Item, len(items))
	for i, it := range items {
		if !opts.IncludeAILogs {
			it.AILog = nil
		}
		if !opts.IncludeSnapshots {
			it.Snapshot = nil
		}
		if !opts.IncludeErrors {
			it.Errors = []journey.RunError{}
		}
		if !opts.IncludeMetrics {
			it.PercentOfTotal = 0
		}
		out[i] = it
	}
	return out
}
