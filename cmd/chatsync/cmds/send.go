package cmds

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

func newSendCommand(cfg *config.Config) *cobra.Command {
	var (
		sessionID string
		retryID   string
		plain     bool
	)
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message, starting a new chat when no session is given",
		Long: "Send shows the message as pending, submits it, and prints the session once the reply arrives.\n" +
			"A failed message stays in the cache and can be resubmitted with --retry <message-id>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := strings.Join(args, " ")
			if retryID == "" && strings.TrimSpace(text) == "" {
				return errors.New("nothing to send")
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var w sessionsync.Window
			if retryID != "" {
				w, err = a.engine.Retry(ctx, sessionID, retryID)
			} else {
				if sessionID != "" {
					// load first so the reply is merged into a current window
					if _, err := a.engine.Load(ctx, sessionID); err != nil {
						log.Warn().Err(err).Str("component", "cli").Str("session", sessionID).Msg("history unavailable, sending anyway")
					}
				}
				w, err = a.engine.Send(ctx, sessionID, text)
			}
			if w.SessionID != "" {
				newRenderer(cmd.OutOrStdout(), plain).Window(w)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to send to; empty starts a new chat")
	cmd.Flags().StringVar(&retryID, "retry", "", "Resubmit the failed message with this id")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	return cmd
}
