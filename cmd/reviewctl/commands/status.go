package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusFollow   bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <case-id>",
	Short: "Show the current status of a review case",
	Long: `Poll the case status once, or keep polling with --follow until
the case reaches a terminal status. The follow loop reuses the etag so
unchanged polls stay cheap, and respects the server's rate limit budget.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFollow, "follow", false,
		"poll until the case is terminal")
	statusCmd.Flags().DurationVar(&statusInterval, "interval",
		30*time.Second, "poll interval when following")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	caseID := args[0]
	client := newClient()

	etag := ""
	for {
		res, err := client.Status(ctx, caseID, etag)
		if err != nil {
			return err
		}

		if !res.NotModified {
			etag = res.ETag

			if jsonOutput() {
				if err := printRawJSON(res.Projection); err != nil {
					return err
				}
			} else {
				fmt.Printf("%s  status=%s  etag=%s\n",
					caseID, res.Status, res.ETag)
			}

			if !statusFollow || isTerminal(res.Status) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusInterval):
		}
	}
}

// isTerminal mirrors the daemon's terminal statuses.
func isTerminal(status string) bool {
	switch status {
	case "completed", "expired", "cancelled":
		return true
	default:
		return false
	}
}
