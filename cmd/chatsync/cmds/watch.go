package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/pushstream"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

func newWatchCommand(cfg *config.Config) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Load a session and print it again whenever a push event changes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Stream.Kind == config.StreamNone {
				return errors.New("watch needs a push stream, set stream.kind to sse, websocket or redis")
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			source, err := buildSource(ctx, cfg)
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout(), plain)
			unsubscribe := a.engine.Subscribe(r.Window)
			defer unsubscribe()

			bridge := sessionsync.NewBridge(a.engine, source, cfg.Stream.Backoff)
			bridge.OnSessionUpdated = func(ev pushstream.Event) {
				log.Info().Str("component", "cli").Str("session", ev.SessionID).Msg("session updated")
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return bridge.Run(gctx)
			})
			g.Go(func() error {
				// a failed load shows its error indicator; keep watching
				if _, err := a.engine.Load(gctx, args[0]); err != nil {
					log.Warn().Err(err).Str("component", "cli").Str("session", args[0]).Msg("initial load failed")
				}
				return nil
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	return cmd
}

func buildSource(ctx context.Context, cfg *config.Config) (pushstream.Source, error) {
	switch cfg.Stream.Kind {
	case config.StreamSSE:
		return &pushstream.SSESource{URL: cfg.Stream.URL, Token: cfg.API.Token}, nil
	case config.StreamWebSocket:
		return &pushstream.WebSocketSource{URL: cfg.Stream.URL, Token: cfg.API.Token}, nil
	case config.StreamRedis:
		return redisstream.Source(ctx, cfg.Stream.Redis)
	default:
		return nil, errors.Errorf("unknown stream kind %q", cfg.Stream.Kind)
	}
}
