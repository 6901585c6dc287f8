package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sessionchat/internal/budget"
	"github.com/user/sessionchat/internal/channel"
	"github.com/user/sessionchat/internal/chat"
	"github.com/user/sessionchat/internal/config"
	"github.com/user/sessionchat/internal/delivery"
	"github.com/user/sessionchat/internal/scheduler"
	"github.com/user/sessionchat/internal/state"
	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
	"github.com/user/sessionchat/pkg/backend/rest"
)

// openKV opens the configured local store. The returned func releases it.
func openKV(cfg *config.Config) (types.KV, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return state.NewMemoryKV(), noop, nil
	case config.StorageSQLite:
		kv, err := state.NewSQLiteKV(cfg.StoragePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv, kv.Close, nil
	case config.StorageFile, "":
		return state.NewFileKV(cfg.StoragePath()), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// stores opens only the local identity and archive, for offline commands.
type stores struct {
	identity *state.Identity
	archive  *state.Archive
	close    func() error
}

func openStores(cfg *config.Config) (*stores, error) {
	kv, closeKV, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	return &stores{
		identity: state.NewIdentity(kv, nil),
		archive:  state.NewArchive(kv, nil),
		close:    closeKV,
	}, nil
}

// app is the fully wired client.
type app struct {
	cfg       *config.Config
	stores    *stores
	client    *rest.Client
	sup       *channel.Supervisor
	keepalive *scheduler.Scheduler
	machine   *chat.Machine
}

func newApp(cfg *config.Config, withChannel bool) (*app, error) {
	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		stores: st,
		client: rest.New(&backend.Config{
			BaseURL:        cfg.Server.BaseURL,
			TimeoutSeconds: cfg.Server.TimeoutSeconds,
		}, nil),
	}

	deps := chat.Deps{
		Identity: st.identity,
		Archive:  st.archive,
		Backend:  a.client,
		Router:   delivery.NewRouter(),
	}

	if withChannel && cfg.Channel.Enabled {
		a.sup = channel.NewSupervisor(
			channel.NewWebSocketDialer(cfg.Server.ChannelURL, time.Duration(cfg.Channel.HandshakeMS)*time.Millisecond),
			&channel.RetryPolicy{
				MaxAttempts:  cfg.Channel.MaxAttempts,
				InitialDelay: time.Duration(cfg.Channel.InitialDelayMS) * time.Millisecond,
				Multiplier:   cfg.Channel.Multiplier,
				MaxDelay:     time.Duration(cfg.Channel.MaxDelayMS) * time.Millisecond,
			},
			nil,
		)
		deps.Channel = a.sup
	}

	if withChannel {
		a.keepalive = scheduler.New(a.client, cfg.KeepAlive.Schedule,
			time.Duration(cfg.KeepAlive.IdleSeconds)*time.Second, nil)
		deps.Activity = a.keepalive
	}

	if cfg.Chat.MaxInputTokens > 0 {
		counter, err := budget.New(cfg.Chat.Model, cfg.Chat.MaxInputTokens)
		if err != nil {
			slog.Warn("token budget disabled", "error", err)
		} else {
			deps.Budget = counter
		}
	}

	a.machine = chat.New(deps, chat.Options{
		Model:         cfg.Chat.Model,
		Temperature:   cfg.Chat.Temperature,
		SystemPrompt:  cfg.Chat.SystemPrompt,
		NewTitle:      cfg.Chat.NewTitle,
		Welcome:       cfg.Chat.Welcome,
		StageDelay:    time.Duration(cfg.Chat.StageDelayMS) * time.Millisecond,
		MaxConcurrent: int64(cfg.Chat.MaxConcurrent),
		Logger:        slog.Default(),
	})
	return a, nil
}

// start brings up the conversation, then the channel and keep-alive.
func (a *app) start(ctx context.Context) error {
	var events <-chan channel.Event
	if a.sup != nil {
		events = a.sup.Subscribe(ctx)
	}
	if err := a.machine.Start(ctx); err != nil {
		return err
	}
	if a.sup != nil {
		go a.machine.Watch(ctx, events)
		if err := a.sup.Connect(a.machine.SessionID()); err != nil {
			return fmt.Errorf("connect channel: %w", err)
		}
	}
	if a.keepalive != nil {
		if err := a.keepalive.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.keepalive != nil {
		a.keepalive.Stop()
	}
	a.machine.Close()
	if a.sup != nil {
		a.sup.Close()
	}
	if err := a.stores.close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}
