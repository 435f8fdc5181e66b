package cmds

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/sessionsync"
)

// app bundles the collaborators a command needs.
type app struct {
	cfg    *config.Config
	store  *sessioncache.Store
	api    *chatapi.Client
	engine *sessionsync.Engine
}

func openStore(ctx context.Context, cfg *config.Config) (*sessioncache.Store, error) {
	backend, err := sessioncache.Open(cfg.Cache.Backend)
	if err != nil {
		return nil, errors.Wrap(err, "open cache backend")
	}
	return sessioncache.NewStore(ctx, sessioncache.Options{
		TTL:         cfg.Cache.TTL,
		MaxSessions: cfg.Cache.MaxSessions,
		Backend:     backend,
	}), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.RequireAPI(); err != nil {
		return nil, err
	}
	client, err := chatapi.NewClient(cfg.API.BaseURL,
		chatapi.WithToken(cfg.API.Token),
		chatapi.WithTimeout(cfg.API.Timeout),
	)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine, err := sessionsync.NewEngine(sessionsync.Options{
		API:                client,
		Store:              store,
		PageSize:           cfg.API.PageSize,
		HydrateAnnotations: cfg.API.HydrateAnnotations,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, api: client, engine: engine}, nil
}

func (a *app) Close() {
	a.engine.Close()
	_ = a.store.Close()
}
