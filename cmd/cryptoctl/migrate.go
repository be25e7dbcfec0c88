package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage data re-encryption migrations",
	Long:  "Start and monitor background re-encryption of stored records to a newer key generation",
}

var migrateStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a re-encryption batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAPIURL(); err != nil {
			return err
		}
		source, err := cmd.Flags().GetUint("source")
		if err != nil {
			return err
		}
		target, err := cmd.Flags().GetUint("target")
		if err != nil {
			return err
		}
		filter, err := cmd.Flags().GetString("filter")
		if err != nil {
			return err
		}

		status, body, err := postJSON(apiURL+"/v1/migrations/", map[string]interface{}{
			"source_generation": source,
			"target_generation": target,
			"filter":            filter,
		})
		if err != nil {
			return err
		}
		if status != http.StatusAccepted {
			return handleErrorResponse(status, body)
		}

		if output == "json" {
			fmt.Println(string(body))
		} else {
			var result struct {
				BatchID string `json:"batch_id"`
				Status  string `json:"status"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Started migration batch %s (status: %s)\n", result.BatchID, result.Status)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show migration batch status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAPIURL(); err != nil {
			return err
		}
		batchID := args[0]

		resp, err := httpClient.Get(apiURL + "/v1/migrations/" + batchID)
		if err != nil {
			return fmt.Errorf("API request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return handleErrorResponse(resp.StatusCode, body)
		}

		if output == "json" {
			fmt.Println(string(body))
			return nil
		}

		var result struct {
			BatchID          string           `json:"batch_id"`
			SourceGeneration uint             `json:"source_generation"`
			TargetGeneration uint             `json:"target_generation"`
			Status           string           `json:"status"`
			Counts           map[string]int64 `json:"counts"`
			CreatedAt        string           `json:"created_at"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}

		fmt.Printf("Batch %s: generation %d -> %d (%s, started %s)\n",
			result.BatchID, result.SourceGeneration, result.TargetGeneration, result.Status, result.CreatedAt)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STATUS\tRECORDS")
		fmt.Fprintln(w, "------\t-------")

		statuses := make([]string, 0, len(result.Counts))
		for s := range result.Counts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\n", s, result.Counts[s])
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}
		return nil
	},
}

func init() {
	migrateStartCmd.Flags().Uint("source", 0, "Source key generation (required)")
	migrateStartCmd.Flags().Uint("target", 0, "Target key generation (required)")
	migrateStartCmd.Flags().String("filter", "", "Record ID prefix filter (optional)")
	migrateStartCmd.MarkFlagRequired("source")
	migrateStartCmd.MarkFlagRequired("target")

	migrateCmd.AddCommand(migrateStartCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
