package cart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"loyalty-sdk/internal/backend"
	"loyalty-sdk/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func key(product, shop string) model.CartKey {
	return model.CartKey{ProductID: product, ShopCode: shop, ModificationIndex: model.NoModification}
}

func TestAddIncrementsSameKey(t *testing.T) {
	e := NewEngine(&backend.Mock{}, testLogger())
	ctx := context.Background()
	k := key("p1", "shopA")

	for _, qty := range []int{2, 3, 1} {
		if err := e.Add(ctx, k, qty, 500); err != nil {
			t.Fatalf("Add(%d) = %v", qty, err)
		}
	}

	lines := e.Lines()
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (key uniqueness)", len(lines))
	}
	if lines[0].Quantity != 6 {
		t.Errorf("quantity = %d, want 6", lines[0].Quantity)
	}
}

func TestAddComputesFromReloadedState(t *testing.T) {
	mock := &backend.Mock{
		GetCartFunc: func(context.Context) (*model.CartResponse, error) {
			return &model.CartResponse{Lines: []model.CartLineDTO{
				{ProductID: "p1", ShopCode: "shopA", Quantity: 5, UnitPrice: 100},
			}}, nil
		},
	}
	e := NewEngine(mock, testLogger())
	ctx := context.Background()

	if err := e.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Add(ctx, key("p1", "shopA"), 2, 100); err != nil {
		t.Fatal(err)
	}

	// The increment bases itself on the reloaded quantity, read inside the
	// same critical section that writes the result.
	if got := e.Quantity(key("p1", "shopA")); got != 7 {
		t.Errorf("quantity = %d, want 7", got)
	}
}

func TestModificationsAreDistinctKeys(t *testing.T) {
	e := NewEngine(&backend.Mock{}, testLogger())
	ctx := context.Background()

	k0 := model.CartKey{ProductID: "p1", ShopCode: "shopA", ModificationIndex: 0}
	k1 := model.CartKey{ProductID: "p1", ShopCode: "shopA", ModificationIndex: 1}
	if err := e.Add(ctx, k0, 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := e.Add(ctx, k1, 2, 150); err != nil {
		t.Fatal(err)
	}

	if len(e.Lines()) != 2 {
		t.Errorf("lines = %d, want 2 distinct modification entries", len(e.Lines()))
	}
}

func TestZeroQuantityRemovesLine(t *testing.T) {
	var removed *model.CartKey
	mock := &backend.Mock{
		RemoveCartLineFunc: func(_ context.Context, k model.CartKey) error {
			removed = &k
			return nil
		},
	}
	e := NewEngine(mock, testLogger())
	ctx := context.Background()
	k := key("p1", "shopA")

	if err := e.Add(ctx, k, 2, 500); err != nil {
		t.Fatal(err)
	}
	if err := e.SetQuantity(ctx, k, 0, 0); err != nil {
		t.Fatalf("SetQuantity(0) = %v, want removal not error", err)
	}

	if got := len(e.Lines()); got != 0 {
		t.Errorf("lines = %d, want 0 (no zero-quantity records)", got)
	}
	if removed == nil || *removed != k {
		t.Errorf("backend removal = %v, want %v", removed, k)
	}
}

func TestNegativeResultTranslatesToRemoval(t *testing.T) {
	e := NewEngine(&backend.Mock{}, testLogger())
	ctx := context.Background()
	k := key("p1", "shopA")

	if err := e.Add(ctx, k, 2, 500); err != nil {
		t.Fatal(err)
	}
	if err := e.Add(ctx, k, -5, 0); err != nil {
		t.Fatalf("Add(-5) = %v", err)
	}
	if got := e.Quantity(k); got != 0 {
		t.Errorf("quantity = %d, want 0", got)
	}
}

func TestDerivedTotals(t *testing.T) {
	e := NewEngine(&backend.Mock{}, testLogger())
	ctx := context.Background()

	if err := e.Add(ctx, key("p1", "shopA"), 2, 500); err != nil {
		t.Fatal(err)
	}
	if err := e.Add(ctx, key("p2", "shopA"), 3, 250); err != nil {
		t.Fatal(err)
	}

	if got := e.TotalQuantity(); got != 5 {
		t.Errorf("TotalQuantity() = %d, want 5", got)
	}
	if got := e.TotalPrice(); got != 2*500+3*250 {
		t.Errorf("TotalPrice() = %d, want %d", got, 2*500+3*250)
	}
}

func TestRollbackReloadsAuthoritativeCart(t *testing.T) {
	serverLines := []model.CartLineDTO{
		{ProductID: "p1", ShopCode: "shopA", Quantity: 2, UnitPrice: 500},
	}
	mock := &backend.Mock{
		SetCartLineFunc: func(context.Context, model.CartLineDTO) error {
			return model.NewValidationError("quantity", "insufficient stock")
		},
		GetCartFunc: func(context.Context) (*model.CartResponse, error) {
			return &model.CartResponse{Lines: serverLines}, nil
		},
	}
	e := NewEngine(mock, testLogger())
	ctx := context.Background()
	k := key("p1", "shopA")

	err := e.SetQuantity(ctx, k, 50, 500)
	if err == nil {
		t.Fatal("SetQuantity should surface the backend failure")
	}
	if !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("error = %v, want validation class", err)
	}

	// Cache equals a fresh load from the backend, not the failed optimistic value.
	if got := e.Quantity(k); got != 2 {
		t.Errorf("quantity after rollback = %d, want 2", got)
	}
}

func TestStaleResyncDoesNotClobberNewerWrite(t *testing.T) {
	inResync := make(chan struct{})
	snapshotReady := make(chan struct{})
	var once sync.Once

	mock := &backend.Mock{}
	mock.SetCartLineFunc = func(_ context.Context, line model.CartLineDTO) error {
		if line.ProductID == "p1" {
			return model.NewUpstreamError("loyalty backend", errors.New("timeout"))
		}
		return nil
	}
	mock.GetCartFunc = func(context.Context) (*model.CartResponse, error) {
		// Hold the rollback snapshot until the p2 write has landed locally.
		once.Do(func() { close(inResync) })
		<-snapshotReady
		return &model.CartResponse{}, nil // stale: empty cart
	}

	e := NewEngine(mock, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Fails, then blocks fetching the rollback snapshot.
		_ = e.SetQuantity(ctx, key("p1", "shopA"), 3, 100)
	}()

	<-inResync
	if err := e.SetQuantity(ctx, key("p2", "shopA"), 4, 200); err != nil {
		t.Fatalf("p2 write: %v", err)
	}
	close(snapshotReady)
	wg.Wait()

	// The stale empty snapshot must not erase the newer p2 write.
	if got := e.Quantity(key("p2", "shopA")); got != 4 {
		t.Errorf("p2 quantity = %d, want 4 (stale snapshot applied)", got)
	}
}

func TestStaleFavoritesResyncDoesNotClobberNewerToggle(t *testing.T) {
	inResync := make(chan struct{})
	snapshotReady := make(chan struct{})
	var once sync.Once

	mock := &backend.Mock{}
	mock.AddFavoriteFunc = func(_ context.Context, id string) error {
		if id == "p1" {
			return model.NewUpstreamError("loyalty backend", errors.New("timeout"))
		}
		return nil
	}
	mock.ListFavoritesFunc = func(context.Context) ([]string, error) {
		// Hold the rollback snapshot until the p2 toggle has landed locally.
		once.Do(func() { close(inResync) })
		<-snapshotReady
		return nil, nil // stale: empty list
	}

	e := NewEngine(mock, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Fails, then blocks fetching the rollback snapshot.
		_ = e.ToggleFavorite(ctx, "p1")
	}()

	<-inResync
	if err := e.ToggleFavorite(ctx, "p2"); err != nil {
		t.Fatalf("p2 toggle: %v", err)
	}
	close(snapshotReady)
	wg.Wait()

	// The stale empty snapshot must not erase the newer p2 favorite.
	if !e.IsFavorite("p2") {
		t.Error("stale favorites snapshot erased the newer p2 favorite")
	}
}

func TestToggleFavoriteOptimisticAndRollback(t *testing.T) {
	mock := &backend.Mock{
		AddFavoriteFunc: func(context.Context, string) error {
			return model.NewUpstreamError("loyalty backend", errors.New("timeout"))
		},
		ListFavoritesFunc: func(context.Context) ([]string, error) {
			return []string{"p9"}, nil
		},
	}
	e := NewEngine(mock, testLogger())
	e.SeedFavorites([]string{"p9"})

	if err := e.ToggleFavorite(context.Background(), "p1"); err == nil {
		t.Fatal("ToggleFavorite should surface the failure")
	}

	if got := e.Favorites(); !reflect.DeepEqual(got, []string{"p9"}) {
		t.Errorf("favorites after rollback = %v, want [p9]", got)
	}
}

func TestMigrateScenario(t *testing.T) {
	// fp_abc has anonymous favorites [p1 p2]; after login the backend merges
	// them into the authenticated scope.
	mock := &backend.Mock{
		MigrateFunc: func(context.Context) (*model.MigrateResponse, error) {
			return &model.MigrateResponse{MigratedFavorites: 2, TotalFavorites: 2}, nil
		},
		ListFavoritesFunc: func(context.Context) ([]string, error) {
			return []string{"p1", "p2"}, nil
		},
	}
	e := NewEngine(mock, testLogger())
	e.SeedFavorites([]string{"p1", "p2"})

	resp, err := e.Migrate(context.Background(), "fp_abc")
	if err != nil {
		t.Fatalf("Migrate() = %v", err)
	}
	if resp.MigratedFavorites != 2 || resp.TotalFavorites != 2 {
		t.Errorf("migrate report = %+v, want 2/2", resp)
	}
	if got := e.Favorites(); !reflect.DeepEqual(got, []string{"p1", "p2"}) {
		t.Errorf("favorites = %v, want [p1 p2]", got)
	}
}

func TestMigrateNoAnonymousPhaseIsNoop(t *testing.T) {
	migrateCalled := false
	mock := &backend.Mock{
		MigrateFunc: func(context.Context) (*model.MigrateResponse, error) {
			migrateCalled = true
			return &model.MigrateResponse{}, nil
		},
	}
	e := NewEngine(mock, testLogger())

	if _, err := e.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("Migrate(\"\") = %v", err)
	}
	if migrateCalled {
		t.Error("migrate endpoint called without an anonymous phase")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	// Stateful mock: merged favorites land in a set, so a second migrate
	// changes nothing.
	merged := map[string]struct{}{}
	anonymous := []string{"p1", "p2"}
	mock := &backend.Mock{
		MigrateFunc: func(context.Context) (*model.MigrateResponse, error) {
			migrated := 0
			for _, id := range anonymous {
				if _, ok := merged[id]; !ok {
					merged[id] = struct{}{}
					migrated++
				}
			}
			return &model.MigrateResponse{MigratedFavorites: migrated, TotalFavorites: len(merged)}, nil
		},
		ListFavoritesFunc: func(context.Context) ([]string, error) {
			ids := make([]string, 0, len(merged))
			for id := range merged {
				ids = append(ids, id)
			}
			return ids, nil
		},
	}
	e := NewEngine(mock, testLogger())
	ctx := context.Background()

	if _, err := e.Migrate(ctx, "fp_abc"); err != nil {
		t.Fatal(err)
	}
	first := e.Favorites()

	resp, err := e.Migrate(ctx, "fp_abc")
	if err != nil {
		t.Fatal(err)
	}
	if resp.MigratedFavorites != 0 {
		t.Errorf("second migrate merged %d entries, want 0", resp.MigratedFavorites)
	}
	if got := e.Favorites(); !reflect.DeepEqual(got, first) {
		t.Errorf("favorites after second migrate = %v, want %v", got, first)
	}
}

func TestDiffLines(t *testing.T) {
	current := []model.CartLineDTO{
		{ProductID: "p1", ShopCode: "shopA", Quantity: 2},
		{ProductID: "p2", ShopCode: "shopA", Quantity: 1},
	}
	desired := []model.CartLine{
		{Key: key("p1", "shopA"), Quantity: 3}, // update
		{Key: key("p3", "shopA"), Quantity: 1}, // add
		// p2 missing: remove
	}

	diff := DiffLines(current, desired)
	if len(diff.ToAdd) != 1 || diff.ToAdd[0].Key.ProductID != "p3" {
		t.Errorf("ToAdd = %+v, want p3", diff.ToAdd)
	}
	if len(diff.ToUpdate) != 1 || diff.ToUpdate[0].Quantity != 3 {
		t.Errorf("ToUpdate = %+v, want p1 qty 3", diff.ToUpdate)
	}
	if len(diff.ToRemove) != 1 || diff.ToRemove[0].ProductID != "p2" {
		t.Errorf("ToRemove = %+v, want p2", diff.ToRemove)
	}

	if !DiffLines(current, []model.CartLine{
		{Key: key("p1", "shopA"), Quantity: 2},
		{Key: key("p2", "shopA"), Quantity: 1},
	}).IsEmpty() {
		t.Error("identical states should produce an empty diff")
	}
}
