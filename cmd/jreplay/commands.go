package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/jreplay/internal/api"
	"github.com/kalambet/jreplay/internal/config"
	"github.com/kalambet/jreplay/internal/diff"
	"github.com/kalambet/jreplay/internal/export"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/share"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/timeline"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import recorded runs from JSON files",
	Long: `Import recorded runs from JSON files.

Examples:
  jreplay import ./runs/run-001.json
  jreplay import ./runs/*.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			resp, err := client.post(cmd.Context(), "/runs", data)
			if err != nil {
				return err
			}
			var res api.ImportResponse
			if err := decodeJSON(resp, &res); err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("Imported %s (%s, %d steps)", res.Run.ID, res.Run.JourneyID, res.Run.StepCount)
			for _, a := range res.Anomalies {
				printWarning("%s", a)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed to import", failed, len(args))
		}
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List, show or delete imported runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []storage.RunSummary
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs imported.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %-24s %3d steps  %8s  %s\n",
				colorize(colorCyan, r.ID), r.JourneyID, r.StepCount, formatMs(r.SpanMs),
				r.ImportedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run json.RawMessage
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run with its share links and exports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted run %s", args[0])
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 50, "maximum number of runs to list")
	runsCmd.AddCommand(runsShowCmd, runsDeleteCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics <run-id>",
	Short: "Show the performance breakdown of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/metrics")
		if err != nil {
			return err
		}
		var m metrics.TimelinePerformanceMetrics
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), m)
		}
		writeMetrics(cmd.OutOrStdout(), m)
		return nil
	},
}

func writeMetrics(w io.Writer, m metrics.TimelinePerformanceMetrics) {
	fmt.Fprintf(w, "%s %s  avg %s  median %s  p95 %s\n",
		colorize(colorBold, "Total"), formatMs(m.TotalDurationMs),
		formatMs(m.AvgStepDurationMs), formatMs(m.MedianStepDurationMs), formatMs(m.P95StepDurationMs))
	fmt.Fprintf(w, "%s %d tokens  %s\n", colorize(colorBold, "AI"), m.TotalTokens, formatMicros(m.TotalCostMicros))
	for _, model := range slices.Sorted(maps.Keys(m.TokensByModel)) {
		fmt.Fprintf(w, "  %-20s %8d tokens  %s\n", model, m.TokensByModel[model], formatMicros(m.CostByModel[model]))
	}

	fmt.Fprintln(w)
	for _, s := range m.Steps {
		line := fmt.Sprintf("%-3d %-28s %-10s %8s %5.1f%%", s.Index+1, s.StepName, s.StepType, formatMs(s.DurationMs), s.PercentOfTotal)
		if s.Invalid {
			line += colorize(colorRed, "  invalid")
		} else if isBottleneck(m, s.StepID) {
			line += colorize(colorYellow, "  SLOW")
		}
		fmt.Fprintln(w, line)
	}
	for _, a := range m.Anomalies {
		fmt.Fprintln(w, colorize(colorRed, "! "+a.String()))
	}
}

func isBottleneck(m metrics.TimelinePerformanceMetrics, stepID string) bool {
	for _, b := range m.Bottlenecks {
		if b.StepID == stepID {
			return true
		}
	}
	return false
}

func init() {
	metricsCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- diff ---

var diffCmd = &cobra.Command{
	Use:   "diff <run-id> <step-id>",
	Short: "Show how a step changed the run context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/runs/%s/steps/%s/diff", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var d api.StepDiffResponse
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, colorize(colorDim, d.Summary))
		for _, c := range d.Diff.Changes {
			switch c.Operation {
			case diff.OpAdded:
				fmt.Fprintln(out, colorize(colorGreen, fmt.Sprintf("+ %s = %s", c.Path, c.NewValue)))
			case diff.OpRemoved:
				fmt.Fprintln(out, colorize(colorRed, fmt.Sprintf("- %s = %s", c.Path, c.OldValue)))
			default:
				fmt.Fprintln(out, colorize(colorYellow, fmt.Sprintf("~ %s: %s → %s", c.Path, c.OldValue, c.NewValue)))
			}
		}
		return nil
	},
}

// --- timeline ---

var timelineCmd = &cobra.Command{
	Use:   "timeline <run-id>",
	Short: "List the steps of a run, optionally filtered",
	Long: `List the steps of a run, optionally filtered.

Examples:
  jreplay timeline run-001 --status failed
  jreplay timeline run-001 --ai --bottleneck
  jreplay timeline run-001 --where 'item.durationMs > 1000 and item.type == "ai"'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := timelineQuery(cmd)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/runs/" + url.PathEscape(args[0]) + "/timeline"
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var items []timeline.Item
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(items) == 0 {
			fmt.Fprintln(out, "No matching steps.")
			return nil
		}
		for _, it := range items {
			fmt.Fprintf(out, "%-3d %s %-28s %-10s %-9s %8s %s\n",
				it.Index+1, colorize(colorCyan, it.ID), it.Name, it.Type, it.Status,
				formatMs(it.DurationMs), itemFlags(it))
		}
		return nil
	},
}

// timelineQuery maps the filter flags onto the API's query parameters.
func timelineQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"status", "type", "q", "where"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			q.Set(name, v)
		}
	}
	flags := map[string]string{
		"errors":     "hasError",
		"bottleneck": "isBottleneck",
		"ai":         "isAI",
		"decision":   "isDecision",
		"fallback":   "hasFallback",
	}
	for flag, param := range flags {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetBool(flag)
			q.Set(param, fmt.Sprint(v))
		}
	}
	return q
}

func itemFlags(it timeline.Item) string {
	var marks []string
	if it.IsAI {
		marks = append(marks, "AI")
	}
	if it.IsDecision {
		marks = append(marks, "DECISION")
	}
	if it.HasFallback {
		marks = append(marks, "FALLBACK")
	}
	if it.HasError {
		marks = append(marks, colorize(colorRed, "ERROR"))
	}
	if it.IsBottleneck {
		marks = append(marks, colorize(colorYellow, "SLOW"))
	}
	return strings.Join(marks, " ")
}

func init() {
	timelineCmd.Flags().String("status", "", "comma-separated step statuses")
	timelineCmd.Flags().String("type", "", "comma-separated step types")
	timelineCmd.Flags().String("q", "", "text search over name, type and description")
	timelineCmd.Flags().String("where", "", "Lua predicate over item")
	timelineCmd.Flags().Bool("errors", false, "only steps with errors")
	timelineCmd.Flags().Bool("bottleneck", false, "only bottleneck steps")
	timelineCmd.Flags().Bool("ai", false, "only AI steps")
	timelineCmd.Flags().Bool("decision", false, "only decision steps")
	timelineCmd.Flags().Bool("fallback", false, "only steps that took a fallback")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as CSV, JSON, PDF or PNG",
	Long: `Export a run as CSV, JSON, PDF or PNG.

Examples:
  jreplay export run-001 --format csv --output run-001.csv
  jreplay export run-001 --format pdf --include-metrics --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := exportRequest(cmd)
		if err != nil {
			return err
		}
		async, _ := cmd.Flags().GetBool("async")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		runPath := "/runs/" + url.PathEscape(args[0])

		if async {
			resp, err := client.post(cmd.Context(), runPath+"/exports", req)
			if err != nil {
				return err
			}
			var res map[string]string
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			printSuccess("Queued export job %s", res["jobId"])
			printStep("Check it with: jreplay job %s", res["jobId"])
			return nil
		}

		resp, err := client.post(cmd.Context(), runPath+"/export", req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkResponse(resp); err != nil {
			return err
		}

		if output == "" {
			output = filenameFromResponse(resp.Header.Get("Content-Disposition"))
		}
		if output == "-" {
			_, err := io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Wrote %s (%d bytes)", output, n)
		return nil
	},
}

func exportRequest(cmd *cobra.Command) (api.ExportRequest, error) {
	format, _ := cmd.Flags().GetString("format")
	if _, err := export.ParseFormat(format); err != nil {
		return api.ExportRequest{}, err
	}
	req := api.ExportRequest{Format: format}
	req.IncludeAILogs, _ = cmd.Flags().GetBool("include-ai-logs")
	req.IncludeSnapshots, _ = cmd.Flags().GetBool("include-snapshots")
	req.IncludeMetrics, _ = cmd.Flags().GetBool("include-metrics")
	req.IncludeErrors, _ = cmd.Flags().GetBool("include-errors")
	req.Where, _ = cmd.Flags().GetString("where")
	return req, nil
}

// filenameFromResponse reads the attachment name the server picked,
// falling back to a generic name.
func filenameFromResponse(disposition string) string {
	const key = "filename="
	i := strings.Index(disposition, key)
	if i < 0 {
		return "export.out"
	}
	name := strings.Trim(disposition[i+len(key):], `"`)
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "export.out"
	}
	return name
}

func init() {
	exportCmd.Flags().String("format", "csv", "csv, json, pdf or png")
	exportCmd.Flags().String("output", "", "output file, - for stdout (default: the server's file name)")
	exportCmd.Flags().String("where", "", "Lua predicate selecting the exported steps")
	exportCmd.Flags().Bool("async", false, "render in the background worker")
	exportCmd.Flags().Bool("include-ai-logs", false, "include prompts and responses")
	exportCmd.Flags().Bool("include-snapshots", false, "include context snapshots")
	exportCmd.Flags().Bool("include-metrics", false, "include the metrics summary")
	exportCmd.Flags().Bool("include-errors", false, "include recorded errors")
}

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show the state of a background export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"lastError"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printStatus("Job", "%s", job.ID)
		printStatus("Status", "%s", job.Status)
		printStatus("Attempts", "%d", job.Attempts)
		if job.LastError != "" {
			printStatus("Last error", "%s", job.LastError)
		}
		return nil
	},
}

// --- share ---

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Create, list or revoke read-only share links",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create <run-id>",
	Short: "Create a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiryFlag, _ := cmd.Flags().GetString("expiry")
		expiry, err := share.ParseExpiry(expiryFlag)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/share", api.ShareRequest{Expiry: string(expiry)})
		if err != nil {
			return err
		}
		var link share.Link
		if err := decodeJSON(resp, &link); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), link.URL)
		printSuccess("Link valid until %s", link.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var shareListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the share links of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/shares")
		if err != nil {
			return err
		}
		var links []share.Link
		if err := decodeJSON(resp, &links); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(links) == 0 {
			fmt.Fprintln(out, "No share links.")
			return nil
		}
		for _, l := range links {
			fmt.Fprintf(out, "%s  %-4s  expires %s  %s\n",
				colorize(colorCyan, l.Token), l.Expiry, l.ExpiresAt.Local().Format("2006-01-02 15:04"), l.URL)
		}
		return nil
	},
}

var shareRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/shares/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Revoked %s", args[0])
		return nil
	},
}

func init() {
	shareCreateCmd.Flags().String("expiry", string(share.DefaultExpiry), "link lifetime: 1h, 24h, 7d or 30d")
	shareCmd.AddCommand(shareCreateCmd, shareListCmd, shareRevokeCmd)
}

// --- compare ---

var compareCmd = &cobra.Command{
	Use:   "compare <run-a> <run-b>",
	Short: "Compare the metrics of two runs of the same journey",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/compare", api.CompareRequest{A: args[0], B: args[1]})
		if err != nil {
			return err
		}
		var c replay.Comparison
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		writeComparison(cmd.OutOrStdout(), args[0], args[1], c)
		return nil
	},
}

func writeComparison(w io.Writer, a, b string, c replay.Comparison) {
	fmt.Fprintf(w, "%s vs %s\n", colorize(colorBold, b), a)
	fmt.Fprintf(w, "  total    %s\n", signedMs(c.TotalDurationDeltaMs))
	fmt.Fprintf(w, "  p95      %s\n", signedMs(c.P95DeltaMs))
	fmt.Fprintf(w, "  tokens   %+d\n", c.TokensDelta)
	fmt.Fprintf(w, "  cost     %s\n", signedMicros(c.CostDeltaMicros))
	for _, s := range c.Steps {
		if s.DurationDeltaMs == 0 && s.TokensDelta == 0 && s.CostDeltaMicros == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-28s %s\n", s.StepName, signedMs(s.DurationDeltaMs))
	}
	if len(c.OnlyInA) > 0 {
		fmt.Fprintf(w, "  only in %s: %s\n", a, strings.Join(c.OnlyInA, ", "))
	}
	if len(c.OnlyInB) > 0 {
		fmt.Fprintf(w, "  only in %s: %s\n", b, strings.Join(c.OnlyInB, ", "))
	}
}

func signedMs(ms int64) string {
	switch {
	case ms > 0:
		return colorize(colorRed, "+"+formatMs(ms))
	case ms < 0:
		return colorize(colorGreen, "-"+formatMs(-ms))
	}
	return "±0ms"
}

func signedMicros(m int64) string {
	if m < 0 {
		return "-" + formatMicros(-m)
	}
	return "+" + formatMicros(m)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		fmt.Fprintf(out, "  %s\n", colorize(colorDim, "file: "+config.ConfigFilePath()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore the default of a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
