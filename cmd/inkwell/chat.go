package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/inkwell/pkg/generation"
	"github.com/go-go-golems/inkwell/pkg/transcript"
)

func newChatCommand() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "chat <message-id>",
		Short: "Stream the AI reply for a previously submitted chat message",
		Long: `Opens the server's push stream for the given message id and reconciles
the streamed reply into the transcript. The message id comes from the
submit-message call that created the pending reply on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(cmd.Context(), transcript.KindChat, prompt, generation.Request{
				MessageID: args[0],
			})
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "User message to show in the transcript above the reply")

	return cmd
}
