package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"TermChat/internal/apperr"
	"TermChat/internal/chat"
	"TermChat/internal/options"
	"TermChat/internal/session"

	"github.com/spf13/cobra"
)

var (
	askSession  string
	askName     string
	askSystem   string
	askFormat   string
	askOptions  []string
	askImages   []string
	askNoStream bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Long: `Ask a single question and print the answer.

Without --session a new session is created, so the exchange can be resumed
later from the interactive chat.

Examples:
  termchat ask "summarize RFC 2119 in one line"
  termchat ask -s 3f2a "and in French?"
  termchat ask --option "temperature 0.2" --format json "list three colors"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Continue the session with this id prefix")
	askCmd.Flags().StringVar(&askName, "name", "", "Name of the new session")
	askCmd.Flags().StringVar(&askSystem, "system", "", "System prompt of the new session")
	askCmd.Flags().StringVar(&askFormat, "format", "text", "Response format of the new session (text|json)")
	askCmd.Flags().StringArrayVarP(&askOptions, "option", "o", nil, `Model option as "key value", repeatable`)
	askCmd.Flags().StringArrayVar(&askImages, "image", nil, "Attach an image file, repeatable")
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "Wait for the full answer instead of streaming it")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.Load(ctx); err != nil {
		return err
	}

	id, err := askTarget(ctx, a)
	if err != nil {
		return err
	}

	images, err := encodeImages(askImages)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	prompt := strings.Join(args, " ")

	var reply chat.Reply
	if askNoStream {
		reply, err = a.registry.Complete(ctx, id, prompt, images)
		fmt.Fprint(out, reply.Text)
	} else {
		printed := 0
		reply, err = a.registry.Submit(ctx, id, prompt, images, func(text string) {
			if len(text) > printed {
				fmt.Fprint(out, text[printed:])
				printed = len(text)
			}
		})
	}
	if reply.Canceled {
		fmt.Fprint(out, " [canceled]")
	}
	fmt.Fprintln(out)

	var perr *apperr.PersistenceError
	if errors.As(err, &perr) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: not saved: %v\n", perr)
		return nil
	}
	return err
}

// askTarget resolves --session or creates a new session from the flags.
func askTarget(ctx context.Context, a *app) (string, error) {
	if askSession != "" {
		var match []string
		for _, id := range a.registry.ListSessions() {
			if strings.HasPrefix(id, askSession) {
				match = append(match, id)
			}
		}
		switch len(match) {
		case 0:
			return "", &apperr.NotFoundError{ID: askSession}
		case 1:
			return match[0], nil
		default:
			return "", &apperr.ValidationError{Field: "session", Reason: fmt.Sprintf("prefix %q is ambiguous", askSession)}
		}
	}

	format, err := session.ParseFormat(askFormat)
	if err != nil {
		return "", &apperr.ValidationError{Field: "format", Reason: err.Error()}
	}
	return a.registry.CreateSession(ctx, chat.CreateRequest{
		Name:      askName,
		Model:     a.cfg.Model,
		System:    askSystem,
		Format:    format,
		Options:   options.Parse(strings.Join(askOptions, "\n")),
		KeepAlive: a.cfg.KeepAlive,
	})
}

func encodeImages(paths []string) ([]string, error) {
	var images []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	return images, nil
}
