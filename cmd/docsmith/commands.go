package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docsmithlabs/docsmith/internal/config"
)

// --- documents ---

var processCmd = &cobra.Command{
	Use:   "process <doc-id>",
	Short: "Run metadata extraction for one document",
	Long: `Run metadata extraction for one document.

The daemon queues the document and works through its remaining pipeline
stages in the background. Watch progress with:
  docsmith events --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), fmt.Sprintf("/documents/%d/process", docID), nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %d for processing", docID)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <doc-id>",
	Short: "Show a document's pipeline stage and tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents/%d/status", docID))
		if err != nil {
			return err
		}

		var doc struct {
			DocID int64    `json:"doc_id"`
			Title string   `json:"title"`
			Stage string   `json:"stage"`
			Tags  []string `json:"tags"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		printStatus("Document", "%d", doc.DocID)
		printStatus("Title", "%s", doc.Title)
		printStatus("Stage", "%s", doc.Stage)
		for _, tag := range doc.Tags {
			printStatus("Tag", "%s", tag)
		}
		return nil
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Control background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job kinds and their last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			return err
		}

		var st struct {
			Jobs map[string]struct {
				Status    string `json:"status"`
				Total     int    `json:"total"`
				Processed int    `json:"processed"`
				Skipped   int    `json:"skipped"`
				Errors    int    `json:"errors"`
			} `json:"jobs"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		kinds := make([]string, 0, len(st.Jobs))
		for kind := range st.Jobs {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		for _, kind := range kinds {
			j := st.Jobs[kind]
			fmt.Printf("%s  %-10s  %d/%d processed, %d skipped, %d errors\n",
				colorize(colorBold, fmt.Sprintf("%-17s", kind)),
				j.Status, j.Processed, j.Total, j.Skipped, j.Errors,
			)
		}
		return nil
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <kind>",
	Short: "Start a background job",
	Long: `Start a background job.

Kinds:
  ocr_backlog       extract text for documents still waiting on OCR
  reindex           rebuild the document similarity index
  schema_bootstrap  propose custom fields from processed documents
  sweep             re-run extraction for documents with failed tasks

Examples:
  docsmith jobs start ocr_backlog --rate 2 --skip-existing
  docsmith jobs start reindex`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, _ := cmd.Flags().GetFloat64("rate")
		skipExisting, _ := cmd.Flags().GetBool("skip-existing")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"rate": rate, "skip_existing": skipExisting}
		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/start", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started job %s", result["job"])
		return nil
	},
}

var jobsProgressCmd = &cobra.Command{
	Use:   "progress <kind>",
	Short: "Show progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0]+"/progress")
		if err != nil {
			return err
		}

		var p struct {
			Status       string `json:"status"`
			Total        int    `json:"total"`
			Processed    int    `json:"processed"`
			Skipped      int    `json:"skipped"`
			Errors       int    `json:"errors"`
			CurrentDocID int64  `json:"current_doc_id"`
			CurrentPhase string `json:"current_phase"`
			StartedAt    string `json:"started_at"`
			CompletedAt  string `json:"completed_at"`
			ErrorMessage string `json:"error_message"`
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printStatus("Status", "%s", p.Status)
		printStatus("Progress", "%d/%d (%d skipped, %d errors)", p.Processed, p.Total, p.Skipped, p.Errors)
		if p.CurrentDocID != 0 {
			printStatus("Current", "doc %d (%s)", p.CurrentDocID, p.CurrentPhase)
		}
		if p.StartedAt != "" {
			printStatus("Started", "%s", p.StartedAt)
		}
		if p.CompletedAt != "" {
			printStatus("Completed", "%s", p.CompletedAt)
		}
		if p.ErrorMessage != "" {
			printStatus("Error", "%s", p.ErrorMessage)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <kind>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var p struct {
			Status    string `json:"status"`
			Total     int    `json:"total"`
			Processed int    `json:"processed"`
		}
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printSuccess("Job %s: %s (%d/%d processed)", args[0], p.Status, p.Processed, p.Total)
		return nil
	},
}

var jobsSkipCmd = &cobra.Command{
	Use:   "skip <kind>",
	Short: "Advance a job's cursor without processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]int{"count": count}
		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/skip", body)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cursor advanced to %d", result["cursor"])
		return nil
	},
}

func init() {
	jobsStartCmd.Flags().Float64("rate", 0, "work units per second (0 = server default)")
	jobsStartCmd.Flags().Bool("skip-existing", false, "skip documents that already carry content")
	jobsSkipCmd.Flags().Int("count", 1, "number of documents to skip")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStartCmd)
	jobsCmd.AddCommand(jobsProgressCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsSkipCmd)
}

// --- reviews ---

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Manage the pending review queue",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending review items",
	RunE: func(cmd *cobra.Command, args []string) error {
		typeFilter, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/reviews"
		if typeFilter != "" {
			path += "?type=" + url.QueryEscape(typeFilter)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var items []struct {
			ID           string
			DocID        int64
			DocTitle     string
			Type         string
			Suggestion   string
			Attempts     int
			LastFeedback string
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No pending reviews.")
			return nil
		}

		for _, item := range items {
			suggestion := item.Suggestion
			if len(suggestion) > 60 {
				suggestion = suggestion[:60] + "..."
			}
			fmt.Printf("%s  %-15s  %-40q  doc %d, %d attempts\n",
				colorize(colorCyan, item.ID[:8]),
				item.Type,
				suggestion,
				item.DocID,
				item.Attempts,
			)
			if item.LastFeedback != "" {
				fmt.Printf("          last feedback: %s\n", item.LastFeedback)
			}
		}
		return nil
	},
}

var reviewsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a review item and apply its suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chosen, _ := cmd.Flags().GetString("chosen")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{}
		if chosen != "" {
			body["chosen"] = chosen
		}
		resp, err := client.post(cmd.Context(), "/reviews/"+args[0]+"/approve", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Applied %q", result["applied"])
		return nil
	},
}

var reviewsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a review item, optionally blocking the suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		block, _ := cmd.Flags().GetBool("block")
		global, _ := cmd.Flags().GetBool("global")
		reason, _ := cmd.Flags().GetString("reason")
		category, _ := cmd.Flags().GetString("category")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"block":          block,
			"block_globally": global,
			"reason":         reason,
			"category":       category,
		}
		resp, err := client.post(cmd.Context(), "/reviews/"+args[0]+"/reject", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if block || global {
			printSuccess("Rejected review %s and blocked the suggestion", args[0])
		} else {
			printSuccess("Rejected review %s", args[0])
		}
		return nil
	},
}

var reviewsSimilarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Group pending reviews with near-identical suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/reviews/similar")
		if err != nil {
			return err
		}

		var groups []struct {
			Suggestion string
			Items      []struct {
				ID         string
				DocID      int64
				Suggestion string
			}
		}
		if err := decodeJSON(resp, &groups); err != nil {
			return err
		}

		if len(groups) == 0 {
			fmt.Println("No similar suggestions.")
			return nil
		}

		for _, g := range groups {
			fmt.Printf("\n%s\n", colorize(colorBold, g.Suggestion))
			for _, item := range g.Items {
				fmt.Printf("  %s  %-40q  doc %d\n",
					colorize(colorCyan, item.ID[:8]),
					item.Suggestion,
					item.DocID,
				)
			}
		}
		return nil
	},
}

var reviewsMergeCmd = &cobra.Command{
	Use:   "merge <id>...",
	Short: "Approve several reviews with one canonical value",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		if target == "" {
			return fmt.Errorf("--target is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"ids": args, "target": target}
		resp, err := client.post(cmd.Context(), "/reviews/merge", body)
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
			Target string `json:"target"`
			Count  int    `json:"count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Merged %d reviews into %q", result.Count, result.Target)
		return nil
	},
}

func init() {
	reviewsListCmd.Flags().String("type", "", "filter by task type (tag, correspondent, document_type, ...)")
	reviewsApproveCmd.Flags().String("chosen", "", "apply this value instead of the suggestion")
	reviewsRejectCmd.Flags().Bool("block", false, "block the suggestion for this task type")
	reviewsRejectCmd.Flags().Bool("global", false, "block the suggestion for all task types")
	reviewsRejectCmd.Flags().String("reason", "", "why the suggestion was rejected")
	reviewsRejectCmd.Flags().String("category", "", "blocklist category")
	reviewsMergeCmd.Flags().String("target", "", "canonical value applied to every review")
	reviewsCmd.AddCommand(reviewsListCmd)
	reviewsCmd.AddCommand(reviewsApproveCmd)
	reviewsCmd.AddCommand(reviewsRejectCmd)
	reviewsCmd.AddCommand(reviewsSimilarCmd)
	reviewsCmd.AddCommand(reviewsMergeCmd)
}

// --- blocked ---

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "Manage the suggestion blocklist",
}

var blockedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/blocked")
		if err != nil {
			return err
		}

		var entries []struct {
			ID        string
			Name      string
			BlockType string
			Reason    string
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No blocked suggestions.")
			return nil
		}

		for _, e := range entries {
			line := fmt.Sprintf("%s  %-15s  %q",
				colorize(colorCyan, e.ID[:8]), e.BlockType, e.Name)
			if e.Reason != "" {
				line += "  (" + e.Reason + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var blockedAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Block a suggestion from ever being applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blockType, _ := cmd.Flags().GetString("type")
		reason, _ := cmd.Flags().GetString("reason")
		category, _ := cmd.Flags().GetString("category")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{
			"name":     args[0],
			"type":     blockType,
			"reason":   reason,
			"category": category,
		}
		resp, err := client.post(cmd.Context(), "/blocked", body)
		if err != nil {
			return err
		}

		var entry struct {
			ID        string
			Name      string
			BlockType string
		}
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}

		printSuccess("Blocked %q (%s)", entry.Name, entry.BlockType)
		return nil
	},
}

var blockedRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an entry from the blocklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/blocked/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed block %s", args[0])
		return nil
	},
}

func init() {
	blockedAddCmd.Flags().String("type", "", "task type scope (default: global)")
	blockedAddCmd.Flags().String("reason", "", "why the name is blocked")
	blockedAddCmd.Flags().String("category", "", "blocklist category")
	blockedCmd.AddCommand(blockedListCmd)
	blockedCmd.AddCommand(blockedAddCmd)
	blockedCmd.AddCommand(blockedRemoveCmd)
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the daemon's processing events",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if follow {
			return followEvents(cmd.Context(), client)
		}

		resp, err := client.get(cmd.Context(), "/events")
		if err != nil {
			return err
		}

		var evs []wireEvent
		if err := decodeJSON(resp, &evs); err != nil {
			return err
		}

		if len(evs) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}
		if limit > 0 && len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		for _, e := range evs {
			printEvent(e)
		}
		return nil
	},
}

type wireEvent struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	DocID     int64          `json:"doc_id"`
	Task      string         `json:"task"`
	Attempt   int            `json:"attempt"`
	Detail    map[string]any `json:"detail"`
}

func printEvent(e wireEvent) {
	line := fmt.Sprintf("%s  %s", e.Timestamp.Format("15:04:05"),
		colorize(colorBold, fmt.Sprintf("%-16s", e.Type)))
	if e.DocID != 0 {
		line += fmt.Sprintf("  doc %d", e.DocID)
	}
	if e.Task != "" {
		line += "  " + e.Task
		if e.Attempt > 0 {
			line += fmt.Sprintf("#%d", e.Attempt)
		}
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%v", k, e.Detail[k])
	}
	fmt.Println(line)
}

// followEvents streams live events over the websocket until interrupted.
func followEvents(ctx context.Context, client *apiClient) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, client.wsURL("/events/ws"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + client.token}},
	})
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var e wireEvent
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		printEvent(e)
	}
}

func init() {
	eventsCmd.Flags().Bool("follow", false, "stream live events until interrupted")
	eventsCmd.Flags().Int("limit", 20, "maximum number of past events to show")
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
