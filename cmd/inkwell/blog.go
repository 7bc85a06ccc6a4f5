package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/inkwell/pkg/generation"
	"github.com/go-go-golems/inkwell/pkg/transcript"
)

func newBlogCommand() *cobra.Command {
	var topic string
	var style string

	cmd := &cobra.Command{
		Use:   "blog",
		Short: "Generate a blog draft and stream it into the transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return errors.New("--topic is required")
			}
			payload := map[string]string{"topic": topic}
			if style != "" {
				payload["style"] = style
			}
			return runGeneration(cmd.Context(), transcript.KindBlog, topic, generation.Request{
				Payload: payload,
			})
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic to write about")
	cmd.Flags().StringVar(&style, "style", "", "Optional style hint passed to the server")

	return cmd
}
