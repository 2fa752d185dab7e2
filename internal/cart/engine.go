// Package cart maintains the locally cached cart and favorites, applies
// optimistic mutations against the backend scope matching the current
// identity mode, and migrates anonymous-scoped state into the authenticated
// scope on promotion. The backend is the source of truth; the local cache
// is a view with at most one outstanding optimistic divergence per key.
package cart

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"loyalty-sdk/internal/backend"
	"loyalty-sdk/internal/model"
)

// Engine owns the in-memory cart/favorites collections. The UI dispatches
// intents to it and never mutates the collections directly.
type Engine struct {
	api    backend.API
	logger *slog.Logger

	mu        sync.Mutex
	items     map[model.CartKey]model.CartLine
	favorites map[string]struct{}
	// version counts local cart writes, favVersion local favorites writes.
	// A resync snapshot fetched after a failed mutation is applied only if
	// no newer local write has landed since, so a stale server snapshot can
	// never clobber a fresh optimistic change.
	version    uint64
	favVersion uint64

	// keyLocks serializes mutations per cart key: a second mutation on the
	// same key waits for the first to settle instead of racing it.
	keyMu    sync.Mutex
	keyLocks map[model.CartKey]*sync.Mutex
}

// NewEngine creates an empty engine over the given backend API.
func NewEngine(api backend.API, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:       api,
		logger:    logger,
		items:     make(map[model.CartKey]model.CartLine),
		favorites: make(map[string]struct{}),
		keyLocks:  make(map[model.CartKey]*sync.Mutex),
	}
}

// SeedFavorites installs the favorites returned by anonymous registration.
func (e *Engine) SeedFavorites(productIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range productIDs {
		e.favorites[id] = struct{}{}
	}
	e.favVersion++
}

// === Read side (derived, never stored) ===

// Lines returns the cart lines sorted by key for stable iteration.
func (e *Engine) Lines() []model.CartLine {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := make([]model.CartLine, 0, len(e.items))
	for _, line := range e.items {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lessKey(lines[i].Key, lines[j].Key) })
	return lines
}

// Quantity returns the cached quantity for key, 0 if absent.
func (e *Engine) Quantity(key model.CartKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.items[key].Quantity
}

// TotalQuantity is the summed quantity across all lines.
func (e *Engine) TotalQuantity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, line := range e.items {
		total += line.Quantity
	}
	return total
}

// TotalPrice is the summed line price in minor units.
func (e *Engine) TotalPrice() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, line := range e.items {
		total += int64(line.Quantity) * line.UnitPrice
	}
	return total
}

// Favorites returns the favorite product ids, sorted.
func (e *Engine) Favorites() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.favorites))
	for id := range e.favorites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsFavorite reports membership.
func (e *Engine) IsFavorite(productID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.favorites[productID]
	return ok
}

// === Optimistic cart mutations ===

// Add increments the quantity for key by delta (a duplicate add increments
// rather than creating a second entry). A resulting quantity ≤ 0 removes
// the line.
func (e *Engine) Add(ctx context.Context, key model.CartKey, delta int, unitPrice int64) error {
	unlock := e.lockKey(key)
	defer unlock()
	return e.setLocked(ctx, key, func(current int) int { return current + delta }, unitPrice)
}

// SetQuantity sets the absolute quantity for key. Zero or negative removes
// the line rather than erroring.
func (e *Engine) SetQuantity(ctx context.Context, key model.CartKey, quantity int, unitPrice int64) error {
	unlock := e.lockKey(key)
	defer unlock()
	return e.setLocked(ctx, key, func(int) int { return quantity }, unitPrice)
}

// Remove deletes the line for key.
func (e *Engine) Remove(ctx context.Context, key model.CartKey) error {
	unlock := e.lockKey(key)
	defer unlock()
	return e.setLocked(ctx, key, func(int) int { return 0 }, 0)
}

// setLocked applies the optimistic local change, sends the mutation to the
// backend scope, and rolls back via resync on failure. Caller holds the
// per-key lock. next computes the new quantity from the current one inside
// the cache's critical section, so a concurrent Reload cannot slip between
// the read and the write and leave the computation on a stale base.
func (e *Engine) setLocked(ctx context.Context, key model.CartKey, next func(current int) int, unitPrice int64) error {
	// Step 1: local cache first, UI sees the outcome immediately.
	e.mu.Lock()
	quantity := next(e.items[key].Quantity)
	if quantity <= 0 {
		delete(e.items, key)
	} else {
		if unitPrice == 0 {
			unitPrice = e.items[key].UnitPrice
		}
		e.items[key] = model.CartLine{Key: key, Quantity: quantity, UnitPrice: unitPrice}
	}
	e.version++
	observed := e.version
	e.mu.Unlock()

	// Step 2: authoritative mutation.
	var err error
	if quantity <= 0 {
		err = e.api.RemoveCartLine(ctx, key)
	} else {
		err = e.api.SetCartLine(ctx, model.NewCartLineDTO(model.CartLine{
			Key: key, Quantity: quantity, UnitPrice: unitPrice,
		}))
	}
	if err == nil {
		return nil
	}

	// Step 4: discard the optimistic change by reloading the authoritative
	// cart. The true prior state may have changed concurrently (another
	// device), so a patch-based undo would be wrong.
	e.resyncCart(ctx, observed)
	return fmt.Errorf("cart update failed: %w", err)
}

// resyncCart replaces the cache with a fresh backend snapshot, unless a
// newer local write landed after the failure was observed.
func (e *Engine) resyncCart(ctx context.Context, observed uint64) {
	snap, err := e.api.GetCart(ctx)
	if err != nil {
		e.logger.Warn("cart resync failed, cache stays optimistic", slog.Any("error", err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version != observed {
		// A concurrent mutation on another key advanced the cache past this
		// snapshot; applying it would clobber that newer write.
		e.logger.Debug("skipping stale cart snapshot",
			slog.Uint64("snapshot_version", observed), slog.Uint64("cache_version", e.version))
		return
	}
	e.replaceCartLocked(snap.Lines)
}

// === Optimistic favorites mutations ===

// ToggleFavorite flips membership for productID optimistically and resyncs
// the favorites list on failure.
func (e *Engine) ToggleFavorite(ctx context.Context, productID string) error {
	e.mu.Lock()
	_, wasFavorite := e.favorites[productID]
	if wasFavorite {
		delete(e.favorites, productID)
	} else {
		e.favorites[productID] = struct{}{}
	}
	e.favVersion++
	observed := e.favVersion
	e.mu.Unlock()

	var err error
	if wasFavorite {
		err = e.api.RemoveFavorite(ctx, productID)
	} else {
		err = e.api.AddFavorite(ctx, productID)
	}
	if err == nil {
		return nil
	}

	e.resyncFavorites(ctx, observed)
	return fmt.Errorf("favorites update failed: %w", err)
}

// resyncFavorites replaces the cache with a fresh backend list, unless a
// newer local favorites write landed after the failure was observed.
func (e *Engine) resyncFavorites(ctx context.Context, observed uint64) {
	ids, err := e.api.ListFavorites(ctx)
	if err != nil {
		e.logger.Warn("favorites resync failed", slog.Any("error", err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.favVersion != observed {
		e.logger.Debug("skipping stale favorites snapshot",
			slog.Uint64("snapshot_version", observed), slog.Uint64("cache_version", e.favVersion))
		return
	}
	e.replaceFavoritesLocked(ids)
}

// === Reload & migration ===

// Reload fetches the authoritative cart and favorites for the current
// scope and replaces the local cache.
func (e *Engine) Reload(ctx context.Context) error {
	snap, err := e.api.GetCart(ctx)
	if err != nil {
		return fmt.Errorf("loading cart: %w", err)
	}
	favorites, err := e.api.ListFavorites(ctx)
	if err != nil {
		return fmt.Errorf("loading favorites: %w", err)
	}

	e.mu.Lock()
	e.version++
	e.favVersion++
	e.replaceCartLocked(snap.Lines)
	e.replaceFavoritesLocked(favorites)
	e.mu.Unlock()
	return nil
}

// Migrate merges the anonymous-scoped state into the authenticated scope
// after promotion, then discards the local anonymous cache and reloads the
// authenticated view. The merge itself is the backend's idempotent
// operation; repeating it must not duplicate entries, so the client never
// re-implements the merge locally. A visitor with no anonymous phase
// (empty fingerprint) makes this a no-op.
func (e *Engine) Migrate(ctx context.Context, anonymousFingerprint string) (*model.MigrateResponse, error) {
	if anonymousFingerprint == "" {
		return &model.MigrateResponse{}, nil
	}

	resp, err := e.api.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrating anonymous state: %w", err)
	}
	e.logger.Info("anonymous state migrated",
		slog.Int("migrated_favorites", resp.MigratedFavorites),
		slog.Int("total_favorites", resp.TotalFavorites),
		slog.Int("migrated_cart_lines", resp.MigratedCartLines))

	if err := e.Reload(ctx); err != nil {
		return resp, err
	}
	return resp, nil
}

// === Internals ===

func (e *Engine) replaceCartLocked(lines []model.CartLineDTO) {
	e.items = make(map[model.CartKey]model.CartLine, len(lines))
	for _, dto := range lines {
		if dto.Quantity <= 0 {
			continue
		}
		key := dto.Key()
		e.items[key] = model.CartLine{Key: key, Quantity: dto.Quantity, UnitPrice: dto.UnitPrice}
	}
}

func (e *Engine) replaceFavoritesLocked(ids []string) {
	e.favorites = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		e.favorites[id] = struct{}{}
	}
}

// lockKey serializes mutations on one cart key.
func (e *Engine) lockKey(key model.CartKey) func() {
	e.keyMu.Lock()
	lock, ok := e.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.keyLocks[key] = lock
	}
	e.keyMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func lessKey(a, b model.CartKey) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.ShopCode != b.ShopCode {
		return a.ShopCode < b.ShopCode
	}
	return a.ModificationIndex < b.ModificationIndex
}
