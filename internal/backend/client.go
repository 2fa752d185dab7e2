// Package backend is the typed client for the loyalty platform endpoints.
// It knows the paths and payloads; transport concerns (fingerprint header,
// credentials, refresh, error taxonomy) live in the gateway it wraps.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"loyalty-sdk/internal/gateway"
	"loyalty-sdk/internal/model"
)

const (
	pathAnonymousInit    = "/anonymous/init"
	pathAnonymousMigrate = "/anonymous/migrate"
	pathAuthRefresh      = "/auth/refresh"
	pathAuthLogin        = "/auth/login"
	pathAuthRegister     = "/auth/register"
	pathAuthLogout       = "/auth/logout"

	// RefreshTokenHeader carries the renewal credential on the refresh
	// call; the body stays empty.
	RefreshTokenHeader = "X-Refresh-Token"
)

// ModeSource tells the client which backend scope to address. Implemented
// by the identity store.
type ModeSource interface {
	Mode() model.IdentityMode
}

// API is the backend surface the reconciliation engine depends on.
// Satisfied by Client and by Mock in tests.
type API interface {
	RegisterAnonymous(ctx context.Context, fp string) (*model.AnonymousInitResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*model.AuthResponse, error)
	Login(ctx context.Context, req model.LoginRequest) (*model.AuthResponse, error)
	Register(ctx context.Context, req model.RegisterRequest) (*model.AuthResponse, error)
	Logout(ctx context.Context) error
	GetCart(ctx context.Context) (*model.CartResponse, error)
	SetCartLine(ctx context.Context, line model.CartLineDTO) error
	RemoveCartLine(ctx context.Context, key model.CartKey) error
	ListFavorites(ctx context.Context) ([]string, error)
	AddFavorite(ctx context.Context, productID string) error
	RemoveFavorite(ctx context.Context, productID string) error
	Migrate(ctx context.Context) (*model.MigrateResponse, error)
}

// Client implements API over the gateway.
type Client struct {
	gw   *gateway.Client
	mode ModeSource
}

// New creates a backend client. mode selects between the anonymous and
// authenticated scopes per call.
func New(gw *gateway.Client, mode ModeSource) *Client {
	return &Client{gw: gw, mode: mode}
}

// scopePath prefixes p with the namespace matching the current identity
// mode. Both scopes expose the same cart/favorites shape.
func (c *Client) scopePath(p string) string {
	if c.mode != nil && c.mode.Mode() == model.ModeAuthenticated {
		return "/users" + p
	}
	return "/anonymous" + p
}

// === Identity ===

// RegisterAnonymous registers a fingerprint. Idempotent: a known
// fingerprint returns the existing anonymousUserId.
func (c *Client) RegisterAnonymous(ctx context.Context, fp string) (*model.AnonymousInitResponse, error) {
	var resp model.AnonymousInitResponse
	err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   pathAnonymousInit,
		Body:   model.AnonymousInitRequest{Fingerprint: fp},
		// Identity bootstrap must not recurse into refresh handling.
		NoAuthRetry: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AnonymousUserID == "" {
		return nil, fmt.Errorf("empty anonymousUserId from init")
	}
	return &resp, nil
}

// Refresh exchanges the renewal credential for a rotated session. The
// request is excluded from auth retry so it can never trigger itself.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.gw.Do(ctx, &gateway.Request{
		Method:      http.MethodPost,
		Path:        pathAuthRefresh,
		Header:      http.Header{RefreshTokenHeader: []string{refreshToken}},
		NoAuthRetry: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, req model.LoginRequest) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	if err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   pathAuthLogin,
		Body:   req,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, req model.RegisterRequest) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	if err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   pathAuthRegister,
		Body:   req,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   pathAuthLogout,
	}, nil)
}

// === Cart ===

// GetCart returns the authoritative cart for the current scope.
func (c *Client) GetCart(ctx context.Context) (*model.CartResponse, error) {
	var resp model.CartResponse
	if err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   c.scopePath("/cart"),
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetCartLine upserts a line to an absolute quantity. Quantity 0 removes.
func (c *Client) SetCartLine(ctx context.Context, line model.CartLineDTO) error {
	return c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPut,
		Path:   c.scopePath("/cart"),
		Body:   line,
	}, nil)
}

// RemoveCartLine deletes a line by key.
func (c *Client) RemoveCartLine(ctx context.Context, key model.CartKey) error {
	query := url.Values{
		"productId": []string{key.ProductID},
		"shopCode":  []string{key.ShopCode},
	}
	if key.ModificationIndex != model.NoModification {
		query.Set("modificationIndex", strconv.Itoa(key.ModificationIndex))
	}
	return c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodDelete,
		Path:   c.scopePath("/cart"),
		Query:  query,
	}, nil)
}

// === Favorites ===

func (c *Client) ListFavorites(ctx context.Context) ([]string, error) {
	var resp model.FavoritesResponse
	if err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   c.scopePath("/favorites"),
	}, &resp); err != nil {
		return nil, err
	}
	return resp.ProductIDs, nil
}

func (c *Client) AddFavorite(ctx context.Context, productID string) error {
	return c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   c.scopePath("/favorites/" + productID),
	}, nil)
}

func (c *Client) RemoveFavorite(ctx context.Context, productID string) error {
	return c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodDelete,
		Path:   c.scopePath("/favorites/" + productID),
	}, nil)
}

// === Migration ===

// Migrate asks the backend to merge the fingerprint-scoped cart and
// favorites into the authenticated scope. The fingerprint travels in the
// gateway's fingerprint header; safe to call more than once.
func (c *Client) Migrate(ctx context.Context) (*model.MigrateResponse, error) {
	var resp model.MigrateResponse
	if err := c.gw.Do(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   pathAnonymousMigrate,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
