package export

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/timeline"
)

const (
	pdfLinesPerPage = 50
	pdfMaxLine      = 110
)

// pdfLines lays the report out as plain text lines.
func pdfLines(items []timeline.Item, m *metrics.TimelinePerformanceMetrics, opts Options) []string {
	lines := []string{
		fmt.Sprintf("Journey %s / run %s", opts.JourneyID, opts.RunID),
		"Exported " + opts.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
		"",
	}

	if m != nil {
		lines = append(lines,
			"Performance",
			fmt.Sprintf("  total %dms  avg %dms  median %dms  p95 %dms", m.TotalDurationMs, m.AvgStepDurationMs, m.MedianStepDurationMs, m.P95StepDurationMs),
			fmt.Sprintf("  tokens %d  cost %s", m.TotalTokens, FormatMicros(m.TotalCostMicros)),
		)
		for _, model := range sortedKeys(m.TokensByModel) {
			lines = append(lines, fmt.Sprintf("  %s: %d tokens, %s", model, m.TokensByModel[model], FormatMicros(m.CostByModel[model])))
		}
		for _, b := range m.Bottlenecks {
			lines = append(lines, fmt.Sprintf("  bottleneck: %s (%dms, %.1f%%)", b.StepName, b.DurationMs, b.PercentOfTotal))
		}
		lines = append(lines, "")
	}

	lines = append(lines, "Steps")
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("%d. %s [%s] %s %dms tokens %d cost %s%s",
			it.Index+1, it.Name, it.Type, it.Status, it.DurationMs, it.TokensUsed, FormatMicros(it.CostMicros), itemMarks(it)))
		if it.AILog != nil {
			lines = append(lines, fmt.Sprintf("    ai: %s in %d / out %d, %dms", it.AILog.ModelID, it.AILog.InputTokens, it.AILog.OutputTokens, it.AILog.LatencyMs))
		}
		for _, e := range it.Errors {
			lines = append(lines, fmt.Sprintf("    error %s (%s): %s", e.ErrorCode, e.ErrorType, e.Message))
		}
		if it.Snapshot != nil {
			lines = append(lines, "    context: "+it.Snapshot.AsValue().String())
		}
	}
	return lines
}

func itemMarks(it timeline.Item) string {
	var marks []string
	if it.IsBottleneck {
		marks = append(marks, "bottleneck")
	}
	if it.HasError {
		marks = append(marks, "error")
	}
	if it.HasFallback {
		marks = append(marks, "fallback")
	}
	if it.IsDecision {
		marks = append(marks, "decision")
	}
	if len(marks) == 0 {
		return ""
	}
	return " (" + strings.Join(marks, ", ") + ")"
}

// FormatMicros renders an amount in millionths of a currency unit.
func FormatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/1_000_000, v%1_000_000)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// renderPDF writes a minimal PDF 1.4 document: one Helvetica text stream
// per page, letter sized.
func renderPDF(lines []string) []byte {
	var pages [][]string
	for len(lines) > pdfLinesPerPage {
		pages = append(pages, lines[:pdfLinesPerPage])
		lines = lines[pdfLinesPerPage:]
	}
	pages = append(pages, lines)

	// Objects: 1 catalog, 2 page tree, 3 font, then a page and its content
	// stream for every page.
	nobj := 3 + 2*len(pages)
	offsets := make([]int, nobj+1)
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	obj := func(n int, body string) {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", n, body)
	}

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	obj(3, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, page := range pages {
		pageObj, contentObj := 4+2*i, 5+2*i
		obj(pageObj, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", contentObj))

		var content bytes.Buffer
		content.WriteString("BT\n/F1 10 Tf\n14 TL\n50 750 Td\n")
		for _, l := range page {
			fmt.Fprintf(&content, "(%s) Tj\nT*\n", pdfEscape(l))
		}
		content.WriteString("ET")
		obj(contentObj, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", nobj+1)
	buf.WriteString("0000000000 65535 f \n")
	for n := 1; n <= nobj; n++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[n])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", nobj+1, xref)
	return buf.Bytes()
}

// pdfEscape keeps printable ASCII, escapes string delimiters and truncates
// long lines.
func pdfEscape(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= pdfMaxLine {
			b.WriteString("...")
			break
		}
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r >= 32 && r < 127:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
		n++
	}
	return b.String()
}
