package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/timeline"
)

// TotalLabel marks the trailing summary row in the stepId column.
const TotalLabel = "TOTAL"

var (
	baseColumns     = []string{"stepId", "stepName", "stepType", "status", "startTime", "endTime", "durationMs", "tokensUsed", "costMicros"}
	aiColumns       = []string{"modelId", "inputTokens", "outputTokens", "totalTokens", "latencyMs", "confidence"}
	errorColumns    = []string{"errorCount", "errorCodes"}
	snapshotColumns = []string{"snapshot"}
	metricsColumns  = []string{"percentOfTotal", "isBottleneck"}
)

func csvColumns(opts Options) []string {
	cols := append([]string{}, baseColumns...)
	if opts.IncludeAILogs {
		cols = append(cols, aiColumns...)
	}
	if opts.IncludeErrors {
		cols = append(cols, errorColumns...)
	}
	if opts.IncludeSnapshots {
		cols = append(cols, snapshotColumns...)
	}
	if opts.IncludeMetrics {
		cols = append(cols, metricsColumns...)
	}
	return cols
}

func renderCSV(items []timeline.Item, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	cols := csvColumns(opts)
	if err := w.Write(cols); err != nil {
		return nil, err
	}

	var dur, tokens, cost int64
	for _, it := range items {
		row := make([]string, 0, len(cols))
		for _, c := range cols {
			v, err := csvCell(it, c)
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
		if it.DurationMs > 0 {
			dur += it.DurationMs
		}
		tokens += it.TokensUsed
		cost += it.CostMicros
	}

	total := make([]string, len(cols))
	for i, c := range cols {
		switch c {
		case "stepId":
			total[i] = TotalLabel
		case "durationMs":
			total[i] = i64(dur)
		case "tokensUsed":
			total[i] = i64(tokens)
		case "costMicros":
			total[i] = i64(cost)
		}
	}
	if err := w.Write(total); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing csv export: %w", err)
	}
	return buf.Bytes(), nil
}

func csvCell(it timeline.Item, col string) (string, error) {
	switch col {
	case "stepId":
		return it.ID, nil
	case "stepName":
		return it.Name, nil
	case "stepType":
		return it.Type, nil
	case "status":
		return string(it.Status), nil
	case "startTime":
		return i64(it.StartTime), nil
	case "endTime":
		return i64(it.EndTime), nil
	case "durationMs":
		return i64(it.DurationMs), nil
	case "tokensUsed":
		return i64(it.TokensUsed), nil
	case "costMicros":
		return i64(it.CostMicros), nil
	case "errorCount":
		return strconv.Itoa(len(it.Errors)), nil
	case "errorCodes":
		codes := make([]string, len(it.Errors))
		for i, e := range it.Errors {
			codes[i] = e.ErrorCode
		}
		return strings.Join(codes, ";"), nil
	case "snapshot":
		if it.Snapshot == nil {
			return "", nil
		}
		b, err := json.Marshal(it.Snapshot)
		if err != nil {
			return "", fmt.Errorf("encoding snapshot of %s: %w", it.ID, err)
		}
		return string(b), nil
	case "percentOfTotal":
		return strconv.FormatFloat(it.PercentOfTotal, 'f', -1, 64), nil
	case "isBottleneck":
		return strconv.FormatBool(it.IsBottleneck), nil
	}

	l := it.AILog
	if l == nil {
		return "", nil
	}
	switch col {
	case "modelId":
		return l.ModelID, nil
	case "inputTokens":
		return i64(l.InputTokens), nil
	case "outputTokens":
		return i64(l.OutputTokens), nil
	case "totalTokens":
		return i64(l.TotalTokens), nil
	case "latencyMs":
		return i64(l.LatencyMs), nil
	case "confidence":
		if l.Confidence == nil {
			return "", nil
		}
		return strconv.FormatFloat(*l.Confidence, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unknown csv column %q", col)
}

func i64(v int64) string { return strconv.FormatInt(v, 10) }

// Totals is the trailing summary row of a CSV export.
type Totals struct {
	DurationMs int64
	TokensUsed int64
	CostMicros int64
}

// ReadCSV parses a CSV export back into items carrying the exported
// columns, plus the summary row.
func ReadCSV(r io.Reader) ([]timeline.Item, Totals, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, Totals{}, fmt.Errorf("reading csv export: %w", err)
	}
	if len(records) < 2 {
		return nil, Totals{}, fmt.Errorf("csv export has no summary row")
	}
	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	get := func(rec []string, name string) (string, bool) {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return rec[i], true
	}

	var items []timeline.Item
	var totals Totals
	for n, rec := range records[1:] {
		if id, _ := get(rec, "stepId"); id == TotalLabel && n == len(records)-2 {
			totals.DurationMs = parseInt(get(rec, "durationMs"))
			totals.TokensUsed = parseInt(get(rec, "tokensUsed"))
			totals.CostMicros = parseInt(get(rec, "costMicros"))
			break
		}
		it, err := csvItem(rec, get)
		if err != nil {
			return nil, Totals{}, fmt.Errorf("row %d: %w", n+2, err)
		}
		it.Index = n
		items = append(items, it)
	}
	return items, totals, nil
}

func csvItem(rec []string, get func([]string, string) (string, bool)) (timeline.Item, error) {
	var it timeline.Item
	it.ID, _ = get(rec, "stepId")
	it.Name, _ = get(rec, "stepName")
	it.Type, _ = get(rec, "stepType")
	status, _ := get(rec, "status")
	it.Status = journey.StepStatus(status)
	it.StartTime = parseInt(get(rec, "startTime"))
	it.EndTime = parseInt(get(rec, "endTime"))
	it.DurationMs = parseInt(get(rec, "durationMs"))
	it.TokensUsed = parseInt(get(rec, "tokensUsed"))
	it.CostMicros = parseInt(get(rec, "costMicros"))

	if model, ok := get(rec, "modelId"); ok && model != "" {
		l := &journey.AILog{
			StepID:       it.ID,
			ModelID:      model,
			InputTokens:  parseInt(get(rec, "inputTokens")),
			OutputTokens: parseInt(get(rec, "outputTokens")),
			TotalTokens:  parseInt(get(rec, "totalTokens")),
			LatencyMs:    parseInt(get(rec, "latencyMs")),
		}
		if c, ok := get(rec, "confidence"); ok && c != "" {
			f, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return it, fmt.Errorf("confidence: %w", err)
			}
			l.Confidence = &f
		}
		it.AILog = l
	}
	if codes, ok := get(rec, "errorCodes"); ok && codes != "" {
		for _, c := range strings.Split(codes, ";") {
			it.Errors = append(it.Errors, journey.RunError{StepID: it.ID, ErrorCode: c})
		}
	}
	if s, ok := get(rec, "snapshot"); ok && s != "" {
		var snap journey.Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return it, fmt.Errorf("snapshot: %w", err)
		}
		it.Snapshot = snap
	}
	if p, ok := get(rec, "percentOfTotal"); ok && p != "" {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return it, fmt.Errorf("percentOfTotal: %w", err)
		}
		it.PercentOfTotal = f
	}
	if b, ok := get(rec, "isBottleneck"); ok {
		it.IsBottleneck = b == "true"
	}
	return it, nil
}

func parseInt(s string, _ bool) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
