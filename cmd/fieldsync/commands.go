package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/syncer"
)

// --- status ---

type serverStatus struct {
	syncer.Status
	Storage     string               `json:"storage"`
	Pending     int                  `json:"pending"`
	Abandoned   int                  `json:"abandoned"`
	Collections []string             `json:"collections"`
	Watermarks  map[string]time.Time `json:"watermarks"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			printStatus("Server", "stopped")
			return nil
		}
		var st serverStatus
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printServerStatus(st)
		return nil
	},
}

func printServerStatus(st serverStatus) {
	online := "offline"
	if st.Online {
		online = "online"
	}
	printStatus("Remote", "%s", online)
	printStatus("Storage", "%s", st.Storage)
	printStatus("State", "%s", st.State)
	printStatus("Pending", "%d", st.Pending)
	if st.Abandoned > 0 {
		printStatus("Abandoned", "%s", colorize(colorRed, fmt.Sprintf("%d (see fieldsync queue list)", st.Abandoned)))
	}
	if st.LastSync != nil {
		printStatus("Last sync", "%s", st.LastSync.Local().Format(time.RFC3339))
	}
	if st.PullError != "" {
		printStatus("Pull error", "%s", colorize(colorRed, st.PullError))
	}
	names := append([]string(nil), st.Collections...)
	sort.Strings(names)
	for _, name := range names {
		wm, ok := st.Watermarks[name]
		if !ok || wm.IsZero() {
			printStatus("  "+name, "never synced")
			continue
		}
		printStatus("  "+name, "synced %s", wm.Local().Format(time.RFC3339))
	}
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes, then pull remote changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var res syncer.SyncResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSuccess("Replayed %d of %d queued writes", res.Drain.Replayed, res.Drain.Replayed+res.Drain.Failed+res.Drain.Abandoned+res.Drain.Remaining)
		if res.Drain.Abandoned > 0 {
			printWarning("%d writes abandoned after repeated failures", res.Drain.Abandoned)
		}
		if res.Drain.Remaining > 0 {
			printWarning("%d writes still queued", res.Drain.Remaining)
		}
		printSuccess("Pulled %d records across %d collections (%d applied, %d conflicts)",
			res.Pull.Fetched, res.Pull.Collections, res.Pull.Applied, res.Pull.Conflicts)
		if res.Pull.Unresolved > 0 {
			printWarning("%d conflicts left unresolved", res.Pull.Unresolved)
		}
		return nil
	},
}

// --- queue ---

type queuedMutation struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
}

func (m queuedMutation) line() string {
	line := fmt.Sprintf("%s  %-6s %s  %s", m.ID, m.Method, m.Target, m.Timestamp.Local().Format(time.RFC3339))
	if m.Attempts > 0 {
		line += fmt.Sprintf("  attempts=%d", m.Attempts)
	}
	if m.LastError != "" {
		line += "  " + colorize(colorRed, m.LastError)
	}
	return line
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect queued writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List writes waiting to be replayed, oldest first, then abandoned writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var pending []queuedMutation
		if err := decodeJSON(resp, &pending); err != nil {
			return err
		}
		resp, err = client.get(cmd.Context(), "/queue/abandoned")
		if err != nil {
			return err
		}
		var abandoned []queuedMutation
		if err := decodeJSON(resp, &abandoned); err != nil {
			return err
		}

		if len(pending) == 0 {
			printSuccess("Queue is empty")
		}
		for _, m := range pending {
			fmt.Println(m.line())
		}
		if len(abandoned) > 0 {
			printWarning("%d writes abandoned after repeated failures; acknowledge with: fieldsync queue ack <id>", len(abandoned))
			for _, m := range abandoned {
				fmt.Println(m.line())
			}
		}
		return nil
	},
}

var queueAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge an abandoned write so it is no longer reported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue/abandoned/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Acknowledged %s", args[0])
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAckCmd)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Read and write local records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List every record in a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, _ := cmd.Flags().GetString("index")
		key, _ := cmd.Flags().GetString("key")
		if index != "" && key == "" {
			return fmt.Errorf("--key is required with --index")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := collectionPath(args[0])
		if index != "" {
			path = collectionPath(args[0], "by", index) + "?key=" + url.QueryEscape(key)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var records []map[string]any
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		return printJSON(os.Stdout, records)
	},
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), collectionPath(args[0], args[1]))
		if err != nil {
			return err
		}
		var record map[string]any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}
		return printJSON(os.Stdout, record)
	},
}

// saveResult is the body of a record write: status is "queued", "stored"
// or "sent" (passthrough mode).
type saveResult struct {
	Status       string         `json:"status"`
	Record       map[string]any `json:"record"`
	MutationID   string         `json:"mutation_id"`
	RemoteStatus int            `json:"remote_status"`
	Discarded    int            `json:"discarded"`
}

var recordsPutCmd = &cobra.Command{
	Use:   "put <collection> [id] <json>",
	Short: "Create or update a record",
	Long: `Create or update a record. Without an id the record is created locally
with a temporary id and POSTed to the collection when synced.

Examples:
  fieldsync records put inspections '{"status":"open","userId":"u1"}'
  fieldsync records put inspections 42 '{"status":"done"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, raw := args[0], args[len(args)-1]
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("invalid record JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp *http.Response
		if len(args) == 3 {
			resp, err = client.put(cmd.Context(), collectionPath(collection, args[1]), fields)
		} else {
			resp, err = client.post(cmd.Context(), collectionPath(collection), fields)
		}
		if err != nil {
			return err
		}
		var res saveResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportWrite("Saved", recordID(res.Record), res)
		return nil
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), collectionPath(args[0], args[1]))
		if err != nil {
			return err
		}
		var res saveResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportWrite("Deleted", args[1], res)
		return nil
	},
}

// recordID formats a decoded id, which is a number for integer-keyed records.
func recordID(record map[string]any) string {
	switch id := record["id"].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func reportWrite(verb, id string, res saveResult) {
	switch res.Status {
	case "queued":
		printSuccess("%s %s (queued as %s)", verb, id, res.MutationID)
	case "sent":
		printSuccess("%s %s (sent directly, remote returned %d)", verb, id, res.RemoteStatus)
	case "stored":
		if res.Discarded > 0 {
			printSuccess("%s %s (never synced, %d queued writes dropped)", verb, id, res.Discarded)
			return
		}
		printSuccess("%s %s (local only)", verb, id)
	default:
		printSuccess("%s %s (local only)", verb, id)
	}
}

func init() {
	recordsListCmd.Flags().String("index", "", "look records up by this index")
	recordsListCmd.Flags().String("key", "", "index key to match")
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsGetCmd)
	recordsCmd.AddCommand(recordsPutCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage local data",
}

var dataWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all local records, queued writes and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL local data, including writes not yet synced. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Wiping local data...")
		resp, err := client.delete(cmd.Context(), "/data?confirm=true")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("All local data wiped")
		return nil
	},
}

func init() {
	dataWipeCmd.Flags().Bool("confirm", false, "confirm data wipe")
	dataCmd.AddCommand(dataWipeCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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

		if key == "remote.token" {
			printSuccess("Set %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
