package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	createType          string
	createPrompt        string
	createContext       string
	createTTL           time.Duration
	createInlineActions []string
	createDefaultAction string
	createDemo          bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a review case",
	Long: `Create a review case on the daemon and print the handoff
envelope: the review URL for the human, the poll URL for the caller, and
the one-time submit token when inline actions were requested.`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createType, "type", "approval",
		"review type")
	createCmd.Flags().StringVar(&createPrompt, "prompt", "",
		"human-facing question")
	createCmd.Flags().StringVar(&createContext, "context", "",
		"JSON context payload rendered on the review page")
	createCmd.Flags().DurationVar(&createTTL, "ttl", 0,
		"case lifetime (daemon default when zero)")
	createCmd.Flags().StringSliceVar(&createInlineActions, "inline", nil,
		"actions permitted via the submit token")
	createCmd.Flags().StringVar(&createDefaultAction, "default-action",
		"", "action reported if the case expires")
	createCmd.Flags().BoolVar(&createDemo, "demo", false,
		"create a canned demo case of the given type")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client := newClient()

	if createDemo {
		env, err := client.CreateDemo(ctx, createType)
		if err != nil {
			return err
		}
		return printEnvelope(env)
	}

	var contextDoc json.RawMessage
	if createContext != "" {
		if !json.Valid([]byte(createContext)) {
			return fmt.Errorf("--context must be valid JSON")
		}
		contextDoc = json.RawMessage(createContext)
	}

	env, err := client.Create(ctx, CreateParams{
		Type:          createType,
		Prompt:        createPrompt,
		Context:       contextDoc,
		TTLSeconds:    int(createTTL.Seconds()),
		InlineActions: createInlineActions,
		DefaultAction: createDefaultAction,
	})
	if err != nil {
		return err
	}

	return printEnvelope(env)
}

func printEnvelope(env *Envelope) error {
	if jsonOutput() {
		return printJSON(env)
	}

	fmt.Printf("case:        %s\n", env.Hitl.CaseID)
	fmt.Printf("type:        %s\n", env.Hitl.Type)
	fmt.Printf("prompt:      %s\n", env.Hitl.Prompt)
	fmt.Printf("review url:  %s\n", env.Hitl.ReviewURL)
	fmt.Printf("poll url:    %s\n", env.Hitl.PollURL)
	fmt.Printf("expires at:  %s\n", env.Hitl.ExpiresAt.Format(
		time.RFC3339))

	if env.Hitl.SubmitToken != "" {
		fmt.Printf("inline:      %v\n", env.Hitl.InlineActions)
		fmt.Printf("submit tok:  %s\n", env.Hitl.SubmitToken)
	}

	return nil
}
