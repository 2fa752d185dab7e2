package backend

import (
	"context"

	"loyalty-sdk/internal/model"
)

// Mock implements API for testing.
// Each method can be configured via function fields.
type Mock struct {
	RegisterAnonymousFunc func(ctx context.Context, fp string) (*model.AnonymousInitResponse, error)
	RefreshFunc           func(ctx context.Context, refreshToken string) (*model.AuthResponse, error)
	LoginFunc             func(ctx context.Context, req model.LoginRequest) (*model.AuthResponse, error)
	RegisterFunc          func(ctx context.Context, req model.RegisterRequest) (*model.AuthResponse, error)
	LogoutFunc            func(ctx context.Context) error
	GetCartFunc           func(ctx context.Context) (*model.CartResponse, error)
	SetCartLineFunc       func(ctx context.Context, line model.CartLineDTO) error
	RemoveCartLineFunc    func(ctx context.Context, key model.CartKey) error
	ListFavoritesFunc     func(ctx context.Context) ([]string, error)
	AddFavoriteFunc       func(ctx context.Context, productID string) error
	RemoveFavoriteFunc    func(ctx context.Context, productID string) error
	MigrateFunc           func(ctx context.Context) (*model.MigrateResponse, error)
}

// RegisterAnonymous calls the configured func or returns a fixed identity.
func (m *Mock) RegisterAnonymous(ctx context.Context, fp string) (*model.AnonymousInitResponse, error) {
	if m.RegisterAnonymousFunc != nil {
		return m.RegisterAnonymousFunc(ctx, fp)
	}
	return &model.AnonymousInitResponse{AnonymousUserID: "anon-1"}, nil
}

// Refresh calls the configured func or fails.
func (m *Mock) Refresh(ctx context.Context, refreshToken string) (*model.AuthResponse, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return nil, model.NewAuthInvalidError("no refresh configured")
}

// Login calls the configured func or fails.
func (m *Mock) Login(ctx context.Context, req model.LoginRequest) (*model.AuthResponse, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, req)
	}
	return nil, model.NewValidationError("phone", "no login configured")
}

// Register calls the configured func or fails.
func (m *Mock) Register(ctx context.Context, req model.RegisterRequest) (*model.AuthResponse, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, req)
	}
	return nil, model.NewValidationError("phone", "no register configured")
}

// Logout calls the configured func or succeeds.
func (m *Mock) Logout(ctx context.Context) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx)
	}
	return nil
}

// GetCart calls the configured func or returns an empty cart.
func (m *Mock) GetCart(ctx context.Context) (*model.CartResponse, error) {
	if m.GetCartFunc != nil {
		return m.GetCartFunc(ctx)
	}
	return &model.CartResponse{}, nil
}

// SetCartLine calls the configured func or succeeds.
func (m *Mock) SetCartLine(ctx context.Context, line model.CartLineDTO) error {
	if m.SetCartLineFunc != nil {
		return m.SetCartLineFunc(ctx, line)
	}
	return nil
}

// RemoveCartLine calls the configured func or succeeds.
func (m *Mock) RemoveCartLine(ctx context.Context, key model.CartKey) error {
	if m.RemoveCartLineFunc != nil {
		return m.RemoveCartLineFunc(ctx, key)
	}
	return nil
}

// ListFavorites calls the configured func or returns nothing.
func (m *Mock) ListFavorites(ctx context.Context) ([]string, error) {
	if m.ListFavoritesFunc != nil {
		return m.ListFavoritesFunc(ctx)
	}
	return nil, nil
}

// AddFavorite calls the configured func or succeeds.
func (m *Mock) AddFavorite(ctx context.Context, productID string) error {
	if m.AddFavoriteFunc != nil {
		return m.AddFavoriteFunc(ctx, productID)
	}
	return nil
}

// RemoveFavorite calls the configured func or succeeds.
func (m *Mock) RemoveFavorite(ctx context.Context, productID string) error {
	if m.RemoveFavoriteFunc != nil {
		return m.RemoveFavoriteFunc(ctx, productID)
	}
	return nil
}

// Migrate calls the configured func or reports an empty merge.
func (m *Mock) Migrate(ctx context.Context) (*model.MigrateResponse, error) {
	if m.MigrateFunc != nil {
		return m.MigrateFunc(ctx)
	}
	return &model.MigrateResponse{}, nil
}
