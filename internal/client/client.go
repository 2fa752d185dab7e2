// Package client is the composition root of the SDK. It wires storage,
// fingerprinting, the gateway, the identity store, and the reconciliation
// engine into one facade, and installs the cross-cutting hooks: credential
// refresh, migration on promotion, and the auth-failure reset.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"loyalty-sdk/internal/backend"
	"loyalty-sdk/internal/cart"
	"loyalty-sdk/internal/config"
	"loyalty-sdk/internal/fingerprint"
	"loyalty-sdk/internal/gateway"
	"loyalty-sdk/internal/identity"
	"loyalty-sdk/internal/model"
	"loyalty-sdk/internal/storage"
)

// Client is the application-facing SDK surface.
type Client struct {
	logger   *slog.Logger
	store    storage.Store
	identity *identity.Store
	gateway  *gateway.Client
	api      backend.API
	cart     *cart.Engine
}

// New assembles a client from configuration. Call Init before first use and
// Close when done.
func New(ctx context.Context, cfg *config.Config, signals fingerprint.Signals, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	provider := fingerprint.NewProvider(store, signals, logger)

	c := &Client{logger: logger, store: store}

	// The gateway needs the identity store for tokens and the backend client
	// needs the gateway; the cycle is broken by injected funcs set below.
	gw := gateway.New(gateway.Options{
		BaseURL:     cfg.Backend.BaseURL,
		Fingerprint: func(ctx context.Context) string { return provider.GetOrCreate(ctx) },
		Tokens:      tokenSourceFunc(func() string { return c.identity.AccessToken() }),
		BrowserTLS:  cfg.Backend.BrowserTLS,
		Timeout:     cfg.Backend.Timeout(),
		Logger:      logger,
		OnAuthFailure: func(ctx context.Context, returnTo string) {
			c.identity.HandleAuthFailure(ctx, returnTo)
		},
	})
	api := backend.New(gw, modeSourceFunc(func() model.IdentityMode {
		return c.identity.Mode()
	}))

	ident := identity.New(store, provider, api.RegisterAnonymous, logger)
	engine := cart.NewEngine(api, logger)

	// Refresh path: exchange the renewal credential, store the rotated pair.
	// An absent refresh token makes the failure terminal immediately.
	gw.SetRefreshFunc(func(ctx context.Context) error {
		token := ident.RefreshToken()
		if token == "" {
			return model.NewAuthInvalidError("no renewal credential")
		}
		resp, err := api.Refresh(ctx, token)
		if err != nil {
			return err
		}
		ident.SetTokens(ctx, resp.Tokens)
		return nil
	})

	// Promotion merges the anonymous history into the authenticated scope.
	ident.OnPromote(func(ctx context.Context, anonFingerprint string) error {
		_, err := engine.Migrate(ctx, anonFingerprint)
		return err
	})

	c.identity = ident
	c.gateway = gw
	c.api = api
	c.cart = engine
	return c, nil
}

// Init restores or establishes an identity and loads the initial cart and
// favorites view for the resulting scope.
func (c *Client) Init(ctx context.Context) error {
	favorites, err := c.identity.Init(ctx)
	if err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}
	c.cart.SeedFavorites(favorites)

	if err := c.cart.Reload(ctx); err != nil {
		// The identity is usable even if the first load fails; mutations will
		// resync. Startup stays non-fatal.
		c.logger.Warn("initial cart load failed", slog.Any("error", err))
	}
	return nil
}

// Login authenticates by phone and one-time code, then promotes the identity
// and migrates the anonymous history.
func (c *Client) Login(ctx context.Context, phone, code string) error {
	resp, err := c.api.Login(ctx, model.LoginRequest{Phone: phone, Code: code})
	if err != nil {
		return err
	}
	return c.identity.Promote(ctx, resp.Profile, resp.Tokens)
}

// Register creates an account and promotes the identity.
func (c *Client) Register(ctx context.Context, req model.RegisterRequest) error {
	resp, err := c.api.Register(ctx, req)
	if err != nil {
		return err
	}
	return c.identity.Promote(ctx, resp.Profile, resp.Tokens)
}

// Logout revokes the session server-side, then resets to a fresh anonymous
// identity. The server call is best-effort: a dead session must still be
// clearable locally.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.api.Logout(ctx); err != nil {
		c.logger.Warn("server-side logout failed", slog.Any("error", err))
	}
	if err := c.identity.Clear(ctx); err != nil {
		return err
	}
	return c.cart.Reload(ctx)
}

// Identity exposes the identity store for mode/profile queries and redirect
// registration.
func (c *Client) Identity() *identity.Store { return c.identity }

// Cart exposes the reconciliation engine.
func (c *Client) Cart() *cart.Engine { return c.cart }

// MinVersion returns the backend's advertised minimum client version.
func (c *Client) MinVersion() string { return c.gateway.MinVersion() }

// Close releases the storage backend.
func (c *Client) Close() error {
	return c.store.Close()
}

// openStorage builds the configured storage backend.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageFile:
		return storage.NewFile(cfg.FilePath)
	case config.StorageSQLite:
		return storage.NewSQLite(cfg.SQLitePath)
	case config.StorageRedis:
		return storage.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// modeSourceFunc adapts a closure to the backend scope selector.
type modeSourceFunc func() model.IdentityMode

func (f modeSourceFunc) Mode() model.IdentityMode { return f() }

// tokenSourceFunc adapts a closure to the gateway token source. The closure
// reads through the client so the identity store can be installed after the
// gateway is constructed.
type tokenSourceFunc func() string

func (f tokenSourceFunc) AccessToken() string { return f() }
