package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelToken string

var cancelCmd = &cobra.Command{
	Use:   "cancel <case-id>",
	Short: "Cancel a pending review case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelToken, "token", "",
		"review or submit token for the case")
	_ = cancelCmd.MarkFlagRequired("token")
}

func runCancel(cmd *cobra.Command, args []string) error {
	client := newClient()

	body, err := client.Cancel(cmd.Context(), args[0], cancelToken)
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printRawJSON(body)
	}

	fmt.Printf("case %s: cancelled\n", args[0])
	return nil
}
