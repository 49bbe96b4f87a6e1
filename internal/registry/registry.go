package registry

import (
	"context"
	"strings"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Registry is the narrow contract the engine holds over the address store.
// The engine reads and patches addresses; creating or deleting them is the
// registry owner's business.
type Registry interface {
	// Get returns the address with the given id or models.ErrNotFound.
	Get(ctx context.Context, id string) (models.Address, error)

	// List returns addresses matching f in ascending id order.
	List(ctx context.Context, f Filter) ([]models.Address, error)

	// Update applies p to the address. When p.ExpectedVersion is non-zero
	// and differs from the stored version the update fails with
	// models.ErrPersistenceConflict.
	Update(ctx context.Context, id string, p models.Patch) (models.Address, error)
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	IDs         []string
	Address     string
	CryptoType  models.CryptoType
	Category    models.Category
	MinRisk     int
	WatchedOnly bool
	Limit       int
	Offset      int
}

// Matches reports whether a passes every predicate of f except paging.
func (f Filter) Matches(a models.Address) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == a.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Address != "" && f.Address != strings.TrimSpace(a.Address) {
		return false
	}
	if f.CryptoType != "" && f.CryptoType != a.CryptoType {
		return false
	}
	if f.Category != "" && f.Category != a.Category {
		return false
	}
	if f.MinRisk > 0 && a.RiskScore < f.MinRisk {
		return false
	}
	if f.WatchedOnly && !a.IsWatched {
		return false
	}
	return true
}

// FindByIdentity looks an address up by (address, crypto_type).
func FindByIdentity(ctx context.Context, r Registry, address string, ct models.CryptoType) (models.Address, error) {
	found, err := r.List(ctx, Filter{Address: address, CryptoType: ct, Limit: 1})
	if err != nil {
		return models.Address{}, err
	}
	if len(found) == 0 {
		return models.Address{}, models.ErrNotFound
	}
	return found[0], nil
}

// ListAll pages through the whole registry.
func ListAll(ctx context.Context, r Registry, f Filter, pageSize int) ([]models.Address, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var out []models.Address
	for offset := 0; ; offset += pageSize {
		page := f
		page.Limit, page.Offset = pageSize, offset
		batch, err := r.List(ctx, page)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < pageSize {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
