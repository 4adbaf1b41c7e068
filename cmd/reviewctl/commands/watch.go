package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <case-id>",
	Short: "Stream lifecycle events for a review case",
	Long: `Subscribe to the case's SSE stream and print each lifecycle
event as it happens, starting with a snapshot of the current status. Exits
once the case reaches a terminal status.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	client := newClient()

	return client.Watch(cmd.Context(), args[0], func(ev Event) bool {
		if jsonOutput() {
			_ = printJSON(map[string]any{
				"event": ev.Name,
				"id":    ev.ID,
				"data":  ev.Data,
			})
		} else {
			fmt.Printf("%-22s %s\n", ev.Name, string(ev.Data))
		}

		status := strings.TrimPrefix(ev.Name, "review.")
		return !isTerminal(status)
	})
}
