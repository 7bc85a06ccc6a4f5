package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/inkwell/pkg/generation"
	"github.com/go-go-golems/inkwell/pkg/transcript"
)

const changesTopic = "transcript-changes"

// runGeneration drives one generation to a terminal state, rendering
// transcript changes to stdout as they are published. Ctrl-C cancels the
// generation cooperatively and keeps the partial text.
func runGeneration(ctx context.Context, kind transcript.Kind, userText string, req generation.Request) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NopLogger{})
	defer func() {
		_ = pubSub.Close()
	}()

	changes, err := pubSub.Subscribe(ctx, changesTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe to transcript changes")
	}

	notifier := transcript.NewNotifier()
	notifier.SubscribePublisher(changesTopic, pubSub)
	store := transcript.NewStore(transcript.WithNotifier(notifier))

	convID := store.CreateConversation("inkwell session")
	if userText != "" {
		if _, err := store.Append(convID, transcript.RoleUser, userText); err != nil {
			return err
		}
	}

	manager := generation.NewManager(store, generation.DefaultEndpoints(viper.GetString("server")))

	if token := viper.GetString("auth-token"); token != "" {
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	session, err := manager.StartGeneration(ctx, convID, kind, req)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for {
			select {
			case msg, ok := <-changes:
				if !ok {
					return nil
				}
				change, err := transcript.DecodeChange(msg)
				msg.Ack()
				if err != nil {
					log.Warn().Err(err).Msg("dropping undecodable change")
					continue
				}
				renderChange(change)
			case <-session.Done():
				return nil
			case <-egCtx.Done():
				return nil
			}
		}
	})

	eg.Go(func() error {
		state, err := session.Wait(egCtx)
		if err != nil {
			session.Cancel()
			return nil
		}
		if state == generation.StateFailed {
			reason, _ := session.FailureReason()
			return errors.Errorf("generation failed: %s", reason)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	msg, ok := store.Message(session.PlaceholderID())
	if !ok {
		return errors.New("generated message missing from transcript")
	}
	fmt.Println()
	fmt.Println(msg.Content)
	return nil
}

// renderChange writes a one-line progress trace per transcript mutation.
func renderChange(change transcript.Change) {
	switch change.Kind {
	case transcript.ChangeChunkApplied:
		fmt.Fprintf(os.Stderr, "\r%d chars", len(change.Content))
	case transcript.ChangeMessageFinalized:
		fmt.Fprintf(os.Stderr, "\rdone (%d chars)\n", len(change.Content))
	case transcript.ChangeMessageFailed:
		fmt.Fprintf(os.Stderr, "\rfailed: %s\n", change.Reason)
	}
}
