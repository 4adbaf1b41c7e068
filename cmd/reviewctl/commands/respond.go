package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	respondToken  string
	respondAction string
	respondData   string
)

var respondCmd = &cobra.Command{
	Use:   "respond <case-id>",
	Short: "Submit a human response to a review case",
	Args:  cobra.ExactArgs(1),
	RunE:  runRespond,
}

func init() {
	respondCmd.Flags().StringVar(&respondToken, "token", "",
		"review token from the case's review URL")
	respondCmd.Flags().StringVar(&respondAction, "action", "",
		"action to record (e.g. approve, reject)")
	respondCmd.Flags().StringVar(&respondData, "data", "",
		"optional JSON payload attached to the response")
	_ = respondCmd.MarkFlagRequired("token")
	_ = respondCmd.MarkFlagRequired("action")
}

func runRespond(cmd *cobra.Command, args []string) error {
	var data json.RawMessage
	if respondData != "" {
		if !json.Valid([]byte(respondData)) {
			return fmt.Errorf("--data must be valid JSON")
		}
		data = json.RawMessage(respondData)
	}

	client := newClient()

	body, err := client.Respond(cmd.Context(), args[0], respondToken,
		respondAction, data)
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printRawJSON(body)
	}

	fmt.Printf("case %s: recorded action %q\n", args[0], respondAction)
	return nil
}
