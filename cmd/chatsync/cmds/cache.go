package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
)

func newCacheCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local session cache",
	}
	listCmd, err := NewCacheListCommand(cfg)
	cobra.CheckErr(err)
	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	cobra.CheckErr(err)
	cobraListCmd.Aliases = []string{"list"}

	cmd.AddCommand(cobraListCmd, newCacheClearCommand(cfg))
	return cmd
}

type CacheListCommand struct {
	*glazedcmds.CommandDescription
	cfg *config.Config
}

type CacheListSettings struct {
	Limit int `glazed:"limit"`
}

var _ glazedcmds.GlazeCommand = &CacheListCommand{}

func NewCacheListCommand(cfg *config.Config) (*CacheListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := glazedcmds.NewCommandDescription(
		"ls",
		glazedcmds.WithShort("List cached sessions, most recently used first"),
		glazedcmds.WithLong("List cached sessions with message count, pagination offset and last use."),
		glazedcmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Limit number of sessions (0 = no limit)"),
			),
		),
		glazedcmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &CacheListCommand{CommandDescription: desc, cfg: cfg}, nil
}

func (c *CacheListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &CacheListSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return cacheRows(ctx, store, s.Limit, gp)
}

func cacheRows(ctx context.Context, store *sessioncache.Store, limit int, gp middlewares.Processor) error {
	for i, e := range store.Entries(ctx) {
		if limit > 0 && i >= limit {
			break
		}
		row := types.NewRow(
			types.MRP("session_id", e.SessionID),
			types.MRP("messages", len(e.Messages)),
			types.MRP("offset", e.Offset),
			types.MRP("has_more", e.HasMore),
			types.MRP("touched_at", e.TouchedAt),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func newCacheClearCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [session-id...]",
		Short: "Drop the given sessions, or every cached session when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			before := store.Len()
			store.Clear(ctx, args...)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d of %d cached sessions\n", before-store.Len(), before)
			return nil
		},
	}
}
