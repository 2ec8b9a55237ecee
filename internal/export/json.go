package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/timeline"
)

// Document is the JSON export shape.
type Document struct {
	JourneyID  string                              `json:"journeyId"`
	RunID      string                              `json:"runId"`
	ExportedAt time.Time                           `json:"exportedAt"`
	Includes   Includes                            `json:"includes"`
	Items      []timeline.Item                     `json:"items"`
	Metrics    *metrics.TimelinePerformanceMetrics `json:"metrics,omitempty"`
}

type Includes struct {
	AILogs    bool `json:"aiLogs"`
	Snapshots bool `json:"snapshots"`
	Metrics   bool `json:"metrics"`
	Errors    bool `json:"errors"`
}

func renderJSON(items []timeline.Item, m *metrics.TimelinePerformanceMetrics, opts Options) ([]byte, error) {
	doc := Document{
		JourneyID:  opts.JourneyID,
		RunID:      opts.RunID,
		ExportedAt: opts.Timestamp.UTC(),
		Includes: Includes{
			AILogs:    opts.IncludeAILogs,
			Snapshots: opts.IncludeSnapshots,
			Metrics:   opts.IncludeMetrics,
			Errors:    opts.IncludeErrors,
		},
		Items:   items,
		Metrics: m,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding json export: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadJSON decodes a JSON export back into its document.
func ReadJSON(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decoding json export: %w", err)
	}
	for i := range doc.Items {
		if doc.Items[i].Errors == nil {
			doc.Items[i].Errors = []journey.RunError{}
		}
		if doc.Items[i].Transitions == nil {
			doc.Items[i].Transitions = []journey.Transition{}
		}
	}
	return doc, nil
}
