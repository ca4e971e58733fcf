package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

func fprintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printStatus(w io.Writer, out map[string]any) {
	accounts, _ := out["accounts"].([]any)
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts. Run 'wsyncctl login' first.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tID\tSTATE")
	for _, raw := range accounts {
		a, _ := raw.(map[string]any)
		marker := ""
		if a["active"] == true {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%v\t%v\t%s\n", marker, a["name"], a["id"], accountState(a))
	}
	_ = tw.Flush()
}

func accountState(a map[string]any) string {
	switch {
	case a["logged_in"] != true:
		return "logged out"
	case a["resident"] != true:
		return "idle"
	}
	return fmt.Sprintf("%v (%v)", a["state"], a["phase"])
}

func formatEvent(evt map[string]any) string {
	ms, _ := evt["occurred_at"].(float64)
	ts := time.UnixMilli(int64(ms)).Format(time.RFC3339)
	line := fmt.Sprintf("%s %-28v %v", ts, evt["kind"], evt["account"])
	if p, _ := evt["payload"].(string); p != "" {
		line += " " + p
	}
	return line
}
