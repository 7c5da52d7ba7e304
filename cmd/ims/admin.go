package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// adminPost calls an admin endpoint on a running instance and prints the
// JSON answer.
func adminPost(cmd *cobra.Command, path string, body interface{}) error {
	addr, _ := cmd.Flags().GetString("addr")

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(addr+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s answered %s", path, resp.Status)
	}
	return nil
}

func runReprocessBatch(cmd *cobra.Command, args []string) error {
	return adminPost(cmd, "/admin/reprocess-batch/"+args[0], nil)
}

func runReloadRules(cmd *cobra.Command, args []string) error {
	return adminPost(cmd, "/admin/reload-rules", nil)
}

func runSnapshotNow(cmd *cobra.Command, args []string) error {
	return adminPost(cmd, "/admin/snapshot-now", nil)
}

func runReplayFrom(cmd *cobra.Command, args []string) error {
	offset, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("offset %q is not a number: %w", args[2], err)
	}
	return adminPost(cmd, "/admin/replay-from", map[string]interface{}{
		"topic":  args[0],
		"group":  args[1],
		"offset": offset,
	})
}
