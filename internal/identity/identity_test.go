package identity

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"loyalty-sdk/internal/fingerprint"
	"loyalty-sdk/internal/model"
	"loyalty-sdk/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProvider(st storage.Store) *fingerprint.Provider {
	return fingerprint.NewProvider(st, fingerprint.Signals{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
		Language:  "ru-RU",
		Timezone:  "Europe/Moscow",
	}, testLogger())
}

func countingRegister(calls *int32) RegisterFunc {
	return func(ctx context.Context, fp string) (*model.AnonymousInitResponse, error) {
		atomic.AddInt32(calls, 1)
		// Idempotent: same fingerprint, same id.
		return &model.AnonymousInitResponse{
			AnonymousUserID: "anon-" + fp[:8],
			Favorites:       []string{"p1"},
		}, nil
	}
}

func TestInitColdStartEntersAnonymousMode(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	var calls int32
	s := New(st, testProvider(st), countingRegister(&calls), testLogger())

	favorites, err := s.Init(ctx)
	if err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if s.Mode() != model.ModeAnonymous {
		t.Errorf("mode = %s, want anonymous", s.Mode())
	}
	if s.Fingerprint() == "" {
		t.Error("fingerprint not recorded")
	}
	if s.AnonymousUserID() == "" {
		t.Error("anonymousUserId not recorded")
	}
	if len(favorites) != 1 || favorites[0] != "p1" {
		t.Errorf("seeded favorites = %v, want [p1]", favorites)
	}
	if calls != 1 {
		t.Errorf("register calls = %d, want 1", calls)
	}
}

func TestInitRestoresAuthenticatedIdentity(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	var calls int32

	first := New(st, testProvider(st), countingRegister(&calls), testLogger())
	if _, err := first.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := first.Promote(ctx,
		model.Profile{UserID: "u1", Phone: "+79990000000"},
		model.TokenPair{AccessToken: "acc", RefreshToken: "ref"}); err != nil {
		t.Fatal(err)
	}

	// Cold start over the same storage: authenticated identity survives and
	// no fingerprint registration happens.
	callsBefore := atomic.LoadInt32(&calls)
	second := New(st, testProvider(st), countingRegister(&calls), testLogger())
	if _, err := second.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if second.Mode() != model.ModeAuthenticated {
		t.Errorf("mode = %s, want authenticated", second.Mode())
	}
	if p := second.Profile(); p == nil || p.UserID != "u1" {
		t.Errorf("profile = %+v, want u1", p)
	}
	if second.AccessToken() != "acc" {
		t.Errorf("access token = %q, want acc", second.AccessToken())
	}
	if atomic.LoadInt32(&calls) != callsBefore {
		t.Error("authenticated cold start re-registered the fingerprint")
	}
}

func TestPromoteRunsHooksWithAnonymousFingerprint(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	var calls int32
	s := New(st, testProvider(st), countingRegister(&calls), testLogger())

	var hookFingerprint string
	s.OnPromote(func(_ context.Context, fp string) error {
		hookFingerprint = fp
		return nil
	})

	if _, err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	anonFP := s.Fingerprint()

	if err := s.Promote(ctx, model.Profile{UserID: "u1"}, model.TokenPair{AccessToken: "a"}); err != nil {
		t.Fatalf("Promote() = %v", err)
	}

	if s.Mode() != model.ModeAuthenticated {
		t.Errorf("mode = %s, want authenticated", s.Mode())
	}
	if hookFingerprint != anonFP {
		t.Errorf("hook fingerprint = %q, want %q", hookFingerprint, anonFP)
	}
}

func TestPromoteWithoutAnonymousPhase(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	s := New(st, testProvider(st), countingRegister(new(int32)), testLogger())

	hookRan := false
	var hookFingerprint string
	s.OnPromote(func(_ context.Context, fp string) error {
		hookRan = true
		hookFingerprint = fp
		return nil
	})

	// Promote with no Init: must be safe, hooks see an empty fingerprint.
	// The store starts authenticated-less but has never registered.
	s.mode = model.ModeAuthenticated
	if err := s.Promote(ctx, model.Profile{UserID: "u1"}, model.TokenPair{}); err != nil {
		t.Fatalf("Promote() = %v", err)
	}
	if !hookRan {
		t.Fatal("hook did not run")
	}
	if hookFingerprint != "" {
		t.Errorf("hook fingerprint = %q, want empty (no anonymous phase)", hookFingerprint)
	}
}

func TestClearResetsToUsableAnonymousMode(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	var calls int32
	s := New(st, testProvider(st), countingRegister(&calls), testLogger())

	if _, err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Promote(ctx, model.Profile{UserID: "u1"}, model.TokenPair{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() = %v", err)
	}

	if s.Mode() != model.ModeAnonymous {
		t.Errorf("mode = %s, want anonymous after clear", s.Mode())
	}
	if s.Profile() != nil {
		t.Error("profile survived clear")
	}
	if s.AccessToken() != "" {
		t.Error("tokens survived clear")
	}
	// Fingerprint registration ran again so the app stays usable.
	if s.AnonymousUserID() == "" {
		t.Error("anonymous id missing after clear")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("register calls = %d, want 2 (init + clear)", calls)
	}
}

func TestHandleAuthFailureRedirects(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	s := New(st, testProvider(st), countingRegister(new(int32)), testLogger())

	var redirected string
	s.SetRedirect(func(returnTo string) { redirected = returnTo })

	if _, err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	s.HandleAuthFailure(ctx, "/users/cart")

	if redirected != "/users/cart" {
		t.Errorf("redirect = %q, want /users/cart", redirected)
	}
	if s.Mode() != model.ModeAnonymous {
		t.Errorf("mode = %s, want anonymous", s.Mode())
	}
}
