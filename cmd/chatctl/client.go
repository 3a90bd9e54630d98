package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/relaychat/internal/chat"
	"github.com/danmuck/relaychat/internal/cipher"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/danmuck/relaychat/internal/relay"
	"github.com/danmuck/relaychat/internal/store"
)

var errNoIdentity = errors.New("no identity; run `chatctl keygen` first")

// client is everything a chatctl command needs, wired from one config.
type client struct {
	cfg      clientConfig
	self     *identity.Identity
	store    store.Store
	resolver *names.Resolver
	tr       *session.Transport
	m        *chat.Messenger
}

func openClient(cfg clientConfig) (*client, error) {
	self, err := identity.Load(cfg.IdentityFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoIdentity
	}
	if err != nil {
		return nil, err
	}
	st, err := store.OpenBadger(store.BadgerConfig{Path: cfg.StorePath})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}

	var dir names.Directory = names.StoreDirectory{Store: st}
	if cfg.ResolveCacheTTL > 0 {
		dir = names.NewCachedDirectory(dir, cfg.ResolveCacheTTL)
	}
	resolver := names.NewResolver(dir, cfg.HandleSuffix)

	dialer, err := relay.NewDialer(cfg.dialerConfig())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	c := &client{cfg: cfg, self: self, store: st, resolver: resolver}
	tr, err := session.New(dialer, cfg.Session, session.WithSigner(self), session.WithTokenSource(c.mintToken))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sealer := cipher.NewBoxSealer(self.BoxSecretKey(), chat.StoreKeys{Store: st})
	c.tr = tr
	c.m = chat.NewMessenger(tr, sealer, resolver, st, self.ID(), chat.Options{})
	return c, nil
}

// mintToken runs before every dial: the configured static token, or a fresh
// proof of the identity key so reconnects outlive the relay's clock skew.
func (c *client) mintToken(_ context.Context, id string) (string, error) {
	if c.cfg.AuthToken != "" {
		return c.cfg.AuthToken, nil
	}
	if id != c.self.ID() {
		return "", fmt.Errorf("no key for identity %s", id)
	}
	return c.self.AuthToken(time.Now()), nil
}

func (c *client) connect(ctx context.Context) error {
	return c.tr.Connect(ctx, c.self.ID(), "")
}

func (c *client) Close() error {
	c.tr.Disconnect()
	return c.store.Close()
}
