package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"happysrt/api/internal/client"
	"happysrt/api/internal/localcache"
	"happysrt/api/internal/logger"
	"happysrt/api/internal/owner"
	"happysrt/api/internal/threadsync"
)

// runtime is one CLI invocation's view of the local state and server.
type runtime struct {
	opts       *rootOptions
	cfg        *Config
	configPath string
	cache      *localcache.Store
	api        *client.Client
	engine     *threadsync.Engine
	log        *zap.Logger
}

func openRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	configPath, err := opts.configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := zap.NewNop()
	if opts.v.GetBool("verbose") {
		if log, err = logger.NewDevelopment(); err != nil {
			return nil, errors.Wrap(err, "create logger")
		}
	}

	home, err := opts.home()
	if err != nil {
		return nil, err
	}
	cache, err := localcache.Open(filepath.Join(home, "cache"))
	if err != nil {
		return nil, errors.Wrap(err, "open local cache")
	}

	rt := &runtime{opts: opts, cfg: cfg, configPath: configPath, cache: cache, log: log}
	token := opts.token(cfg)
	if !opts.v.GetBool("offline") {
		clientOpts := []client.Option{client.WithGuestID(cfg.Guest.ID)}
		if token != "" {
			clientOpts = append(clientOpts, client.WithToken(token))
		}
		rt.api = client.New(opts.serverURL(cfg), clientOpts...)
	}

	who, err := rt.resolveOwner(ctx, token)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	var remote threadsync.Remote
	if rt.api != nil {
		remote = rt.api
	}
	rt.engine, err = threadsync.Open(ctx, who, remote, cache, threadsync.Options{Logger: log})
	if err != nil {
		_ = cache.Close()
		return nil, errors.Wrap(err, "open thread state")
	}
	return rt, nil
}

// resolveOwner names the signed in user, asking the server when the token
// did not come from a stored login.
func (rt *runtime) resolveOwner(ctx context.Context, token string) (owner.Owner, error) {
	if token == "" {
		return owner.Guest(rt.cfg.Guest.ID), nil
	}
	if token == rt.cfg.Auth.Token && rt.cfg.Auth.UserID != "" {
		return owner.Authenticated(rt.cfg.Auth.UserID, token), nil
	}
	if rt.api == nil {
		return owner.Owner{}, errors.New("a token without a stored login needs the server; run login first")
	}
	session, err := rt.api.Session(ctx)
	if err != nil {
		return owner.Owner{}, errors.Wrap(err, "look up session")
	}
	if !session.Authenticated || session.UserID == nil {
		return owner.Owner{}, errors.New("token was rejected by the server")
	}
	return owner.Authenticated(*session.UserID, token), nil
}

// bootSync catches up with the server before a command reads local state.
// Being offline is not fatal for local commands.
func (rt *runtime) bootSync(ctx context.Context) {
	if err := rt.engine.SyncFromServer(ctx); err != nil {
		rt.log.Warn("sync failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "warning: working from local state, sync failed:", err)
	}
}

// Close remembers a newly issued guest id and releases the cache.
func (rt *runtime) Close() error {
	if rt.api != nil {
		if guestID := rt.api.GuestID(); guestID != "" && guestID != rt.cfg.Guest.ID {
			rt.cfg.Guest.ID = guestID
			if err := saveConfig(rt.configPath, rt.cfg); err != nil {
				_ = rt.cache.Close()
				return err
			}
		}
	}
	_ = rt.log.Sync()
	return rt.cache.Close()
}

// withRuntime opens the runtime for one command and always closes it.
func withRuntime(ctx context.Context, opts *rootOptions, sync bool, fn func(*runtime) error) (err error) {
	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); err == nil {
			err = closeErr
		}
	}()
	if sync {
		rt.bootSync(ctx)
	}
	return fn(rt)
}
