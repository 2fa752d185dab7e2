package cart

import (
	"context"
	"fmt"

	"loyalty-sdk/internal/model"
)

// LineDiff describes the mutations needed to bring the backend scope to the
// local desired state. Apply order: Remove → Update → Add, so an update
// never races a removal of the same key.
type LineDiff struct {
	ToAdd    []model.CartLine
	ToRemove []model.CartKey
	ToUpdate []model.CartLine
}

// IsEmpty returns true if no changes are needed.
func (d *LineDiff) IsEmpty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 && len(d.ToUpdate) == 0
}

// DiffLines computes the delta between the server snapshot and the desired
// local lines, matched by cart key.
func DiffLines(current []model.CartLineDTO, desired []model.CartLine) *LineDiff {
	diff := &LineDiff{}

	currentByKey := make(map[model.CartKey]model.CartLineDTO, len(current))
	for _, dto := range current {
		currentByKey[dto.Key()] = dto
	}

	desiredByKey := make(map[model.CartKey]model.CartLine, len(desired))
	for _, line := range desired {
		desiredByKey[line.Key] = line
	}

	for key, line := range desiredByKey {
		if cur, exists := currentByKey[key]; exists {
			if cur.Quantity != line.Quantity {
				diff.ToUpdate = append(diff.ToUpdate, line)
			}
		} else {
			diff.ToAdd = append(diff.ToAdd, line)
		}
	}

	for key := range currentByKey {
		if _, exists := desiredByKey[key]; !exists {
			diff.ToRemove = append(diff.ToRemove, key)
		}
	}

	return diff
}

// SyncTo pushes the local cache to the current backend scope with minimal
// mutations. Used to replay state accumulated while the backend was
// unreachable; regular mutations do not go through here.
func (e *Engine) SyncTo(ctx context.Context) error {
	snap, err := e.api.GetCart(ctx)
	if err != nil {
		return fmt.Errorf("loading cart for sync: %w", err)
	}

	diff := DiffLines(snap.Lines, e.Lines())
	if diff.IsEmpty() {
		return nil
	}

	for _, key := range diff.ToRemove {
		if err := e.api.RemoveCartLine(ctx, key); err != nil {
			return fmt.Errorf("sync remove: %w", err)
		}
	}
	for _, line := range diff.ToUpdate {
		if err := e.api.SetCartLine(ctx, model.NewCartLineDTO(line)); err != nil {
			return fmt.Errorf("sync update: %w", err)
		}
	}
	for _, line := range diff.ToAdd {
		if err := e.api.SetCartLine(ctx, model.NewCartLineDTO(line)); err != nil {
			return fmt.Errorf("sync add: %w", err)
		}
	}
	return nil
}
