package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

func newLoadCommand(cfg *config.Config) *cobra.Command {
	var plain, refresh bool
	cmd := &cobra.Command{
		Use:   "load <session-id>",
		Short: "Load a session window, from the cache when it is fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var w sessionsync.Window
			if refresh {
				w, err = a.engine.Refresh(ctx, args[0])
			} else {
				w, err = a.engine.Load(ctx, args[0])
			}
			if w.FromCache {
				// let the revalidation land in the cache before exiting
				a.engine.Wait()
			}
			newRenderer(cmd.OutOrStdout(), plain).Window(w)
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Always fetch from the server")
	return cmd
}

func newOlderCommand(cfg *config.Config) *cobra.Command {
	var plain bool
	var pages int
	cmd := &cobra.Command{
		Use:   "older <session-id>",
		Short: "Load a session, then page backwards through older messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.engine.Load(ctx, args[0])
			if err != nil {
				newRenderer(cmd.OutOrStdout(), plain).Window(w)
				return err
			}
			for i := 0; i < pages; i++ {
				var inserted bool
				w, inserted, err = a.engine.LoadOlder(ctx, args[0])
				if err != nil {
					return errors.Wrap(err, "load older")
				}
				if !inserted {
					break
				}
			}
			newRenderer(cmd.OutOrStdout(), plain).Window(w)
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	cmd.Flags().IntVar(&pages, "pages", 1, "Number of older pages to fetch")
	return cmd
}
