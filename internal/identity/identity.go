// Package identity owns the actor state of the SDK: whether the current
// visitor is anonymous or authenticated, the identifiers for both modes, and
// the one-way promotion between them. All mutation goes through Init,
// Promote, SetTokens, and Clear; nothing else writes identity state.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"loyalty-sdk/internal/fingerprint"
	"loyalty-sdk/internal/model"
	"loyalty-sdk/internal/storage"
)

// RegisterFunc registers a fingerprint with the backend. Idempotent on the
// backend side: a known fingerprint returns the same anonymousUserId.
type RegisterFunc func(ctx context.Context, fp string) (*model.AnonymousInitResponse, error)

// PromoteHook runs after a successful promotion, with the fingerprint
// recorded during the anonymous phase ("" if there was none). The cart
// engine registers its migration here.
type PromoteHook func(ctx context.Context, anonymousFingerprint string) error

// RedirectFunc receives the location a failed request was targeting so the
// UI can restore it after re-authentication.
type RedirectFunc func(returnTo string)

// persisted is the durable form of the identity state.
type persisted struct {
	Mode      model.IdentityMode      `json:"mode"`
	Anonymous model.AnonymousIdentity `json:"anonymous"`
	Profile   *model.Profile          `json:"profile,omitempty"`
}

// Store holds the current actor identity.
type Store struct {
	storage  storage.Store
	provider *fingerprint.Provider
	register RegisterFunc
	logger   *slog.Logger

	redirect RedirectFunc
	hooks    []PromoteHook

	mu      sync.Mutex
	mode    model.IdentityMode
	anon    model.AnonymousIdentity
	profile *model.Profile
	tokens  model.TokenPair
}

// New creates an identity store. Call Init before first use.
func New(st storage.Store, provider *fingerprint.Provider, register RegisterFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage:  st,
		provider: provider,
		register: register,
		logger:   logger,
		mode:     model.ModeAnonymous,
	}
}

// OnPromote registers a hook invoked after each successful promotion.
func (s *Store) OnPromote(hook PromoteHook) {
	s.hooks = append(s.hooks, hook)
}

// SetRedirect installs the re-authentication redirect callback.
func (s *Store) SetRedirect(redirect RedirectFunc) {
	s.redirect = redirect
}

// Init restores persisted identity on cold start. With an authenticated
// identity on disk it does nothing further; otherwise it obtains a
// fingerprint, registers it, and enters anonymous mode. Returns the
// favorites seeded by the registration response, if any.
func (s *Store) Init(ctx context.Context) ([]string, error) {
	if p, tokens, ok := s.loadPersisted(ctx); ok && p.Mode == model.ModeAuthenticated && p.Profile != nil {
		s.mu.Lock()
		s.mode = model.ModeAuthenticated
		s.anon = p.Anonymous
		s.profile = p.Profile
		s.tokens = tokens
		s.mu.Unlock()
		s.logger.Debug("restored authenticated identity", slog.String("user_id", p.Profile.UserID))
		return nil, nil
	}

	return s.initAnonymous(ctx)
}

// initAnonymous performs the fingerprint-registration step shared by Init
// and Clear.
func (s *Store) initAnonymous(ctx context.Context) ([]string, error) {
	fp := s.provider.GetOrCreate(ctx)

	resp, err := s.register(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("registering fingerprint: %w", err)
	}

	s.mu.Lock()
	s.mode = model.ModeAnonymous
	s.anon = model.AnonymousIdentity{Fingerprint: fp, AnonymousUserID: resp.AnonymousUserID}
	s.profile = nil
	s.tokens = model.TokenPair{}
	s.mu.Unlock()

	s.persist(ctx)
	s.logger.Debug("anonymous identity registered",
		slog.String("anonymous_user_id", resp.AnonymousUserID))
	return resp.Favorites, nil
}

// Promote transitions the actor to authenticated mode after a successful
// login or registration, then runs the promotion hooks (cart/favorites
// migration) with the anonymous-phase fingerprint. Safe to call when no
// anonymous phase occurred: hooks receive an empty fingerprint and treat
// migration as a no-op.
func (s *Store) Promote(ctx context.Context, profile model.Profile, tokens model.TokenPair) error {
	s.mu.Lock()
	anonFingerprint := ""
	if s.mode == model.ModeAnonymous {
		anonFingerprint = s.anon.Fingerprint
	}
	s.mode = model.ModeAuthenticated
	s.profile = &profile
	s.tokens = tokens
	s.mu.Unlock()

	s.persist(ctx)
	s.logger.Info("identity promoted", slog.String("user_id", profile.UserID))

	for _, hook := range s.hooks {
		if err := hook(ctx, anonFingerprint); err != nil {
			// Promotion itself stands; the hook (migration) reports its own
			// failure and is safe to repeat on the next login.
			s.logger.Warn("promotion hook failed", slog.Any("error", err))
			return err
		}
	}
	return nil
}

// Clear performs a full reset: logout, terminal refresh failure, or an
// account-gone signal. The app stays usable without a reload because the
// fingerprint-registration step runs again immediately.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.mode = model.ModeAnonymous
	s.profile = nil
	s.tokens = model.TokenPair{}
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Delete(ctx, storage.KeyTokens); err != nil {
			s.logger.Warn("clearing persisted tokens failed", slog.Any("error", err))
		}
	}

	_, err := s.initAnonymous(ctx)
	return err
}

// HandleAuthFailure is the gateway's terminal-failure hook: clear identity,
// then hand the intended location to the redirect callback.
func (s *Store) HandleAuthFailure(ctx context.Context, returnTo string) {
	if err := s.Clear(ctx); err != nil {
		s.logger.Warn("identity clear after auth failure", slog.Any("error", err))
	}
	if s.redirect != nil {
		s.redirect(returnTo)
	}
}

// Mode returns the current identity mode.
func (s *Store) Mode() model.IdentityMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Fingerprint returns the visitor fingerprint recorded for this session.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anon.Fingerprint
}

// AnonymousUserID returns the backend-assigned anonymous id, or "".
func (s *Store) AnonymousUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anon.AnonymousUserID
}

// Profile returns the authenticated profile, or nil in anonymous mode.
func (s *Store) Profile() *model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}

// AccessToken implements the gateway token source.
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens.AccessToken
}

// RefreshToken returns the current renewal credential.
func (s *Store) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens.RefreshToken
}

// SetTokens stores a rotated credential pair after a successful refresh.
func (s *Store) SetTokens(ctx context.Context, tokens model.TokenPair) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	s.persist(ctx)
}

// persist writes the current state to durable storage. Failures downgrade
// durability but never fail the caller; a fresh Init re-registers.
func (s *Store) persist(ctx context.Context) {
	if s.storage == nil {
		return
	}

	s.mu.Lock()
	p := persisted{Mode: s.mode, Anonymous: s.anon, Profile: s.profile}
	tokens := s.tokens
	s.mu.Unlock()

	data, err := json.Marshal(p)
	if err == nil {
		err = s.storage.Set(ctx, storage.KeyIdentity, data)
	}
	if err != nil {
		s.logger.Warn("persisting identity failed", slog.Any("error", err))
		return
	}

	if tokens.AccessToken != "" {
		data, err := json.Marshal(tokens)
		if err == nil {
			err = s.storage.Set(ctx, storage.KeyTokens, data)
		}
		if err != nil {
			s.logger.Warn("persisting tokens failed", slog.Any("error", err))
		}
	}
}

// loadPersisted restores identity and tokens from storage.
func (s *Store) loadPersisted(ctx context.Context) (persisted, model.TokenPair, bool) {
	var p persisted
	var tokens model.TokenPair

	if s.storage == nil {
		return p, tokens, false
	}

	data, err := s.storage.Get(ctx, storage.KeyIdentity)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("reading persisted identity failed", slog.Any("error", err))
		}
		return p, tokens, false
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("corrupt persisted identity, starting fresh", slog.Any("error", err))
		return p, tokens, false
	}

	if data, err := s.storage.Get(ctx, storage.KeyTokens); err == nil {
		if err := json.Unmarshal(data, &tokens); err != nil {
			tokens = model.TokenPair{}
		}
	}

	return p, tokens, true
}
