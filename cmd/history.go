package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newHistoryCmd prints stored versions of a URL or a run-history artifact as JSON.
func newHistoryCmd() *cobra.Command {
	var (
		url   string
		runID string
		limit int
		state string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Shows stored versions of a URL, a run artifact or a scraper's run state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var payload any
			switch {
			case url != "":
				versions, err := appInstance.Store().GetVersionHistory(ctx, url, limit)
				if err != nil {
					return fmt.Errorf("read version history: %w", err)
				}
				payload = versions
			case runID != "":
				history, err := appInstance.ReadHistory(runID)
				if err != nil {
					return err
				}
				payload = history
			case state != "":
				runState, err := appInstance.Store().GetRunState(ctx, state)
				if err != nil {
					return fmt.Errorf("read run state: %w", err)
				}
				payload = runState
			default:
				return errors.New("one of --url, --run or --state is required")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "list stored versions of this url, newest first")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum versions to list")
	cmd.Flags().StringVar(&runID, "run", "", "print the run-history artifact for this run id")
	cmd.Flags().StringVar(&state, "state", "", "print the run state for this scraper id")
	return cmd
}
