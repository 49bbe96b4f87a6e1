package memory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/pkg/models"
)

//go:embed fixtures/addresses.json
var demoFixture []byte

// Registry is an in-memory implementation of registry.Registry used for
// tests and the demo backend.
type Registry struct {
	mu   sync.RWMutex
	data map[string]models.Address

	// One writer per id at a time.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// Compile-time interface check.
var _ registry.Registry = (*Registry)(nil)

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		data:  make(map[string]models.Address),
		locks: make(map[string]*sync.Mutex),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewDemo creates a registry seeded with the embedded demo dataset.
func NewDemo() (*Registry, error) {
	r := New()
	if err := r.LoadFixture(bytes.NewReader(demoFixture)); err != nil {
		return nil, err
	}
	return r, nil
}

// Seed inserts or replaces addresses. It plays the registry owner's role and
// is never called by the engine itself.
func (r *Registry) Seed(addrs ...models.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range addrs {
		if a.ID == "" {
			return fmt.Errorf("%w: address without id", models.ErrInput)
		}
		if a.Version == 0 {
			a.Version = 1
		}
		if a.Category == "" {
			a.Category = models.CategoryUnassigned
		}
		a.Tags = append([]string(nil), a.Tags...)
		r.data[a.ID] = a
	}
	return nil
}

// LoadFixture seeds the registry from a JSON array of addresses.
func (r *Registry) LoadFixture(rd io.Reader) error {
	var addrs []models.Address
	if err := json.NewDecoder(rd).Decode(&addrs); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}
	for i := range addrs {
		if _, err := models.ValidateIdentity(addrs[i].Address, string(addrs[i].CryptoType)); err != nil {
			return fmt.Errorf("fixture entry %d: %w", i, err)
		}
	}
	return r.Seed(addrs...)
}

// Get retrieves an address by id. Returns ErrNotFound if it does not exist.
func (r *Registry) Get(_ context.Context, id string) (models.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.data[id]
	if !ok {
		return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrNotFound)
	}
	return copyAddress(a), nil
}

// List returns matching addresses sorted by id.
func (r *Registry) List(ctx context.Context, f registry.Filter) ([]models.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.Address, 0)
	for _, a := range r.data {
		if f.Matches(a) {
			result = append(result, copyAddress(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []models.Address{}, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Update applies a patch under the per-id lock.
func (r *Registry) Update(ctx context.Context, id string, p models.Patch) (models.Address, error) {
	if err := ctx.Err(); err != nil {
		return models.Address{}, err
	}
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.data[id]
	if !ok {
		return models.Address{}, fmt.Errorf("address %s: %w", id, models.ErrNotFound)
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != current.Version {
		return models.Address{}, fmt.Errorf("address %s at version %d, expected %d: %w",
			id, current.Version, p.ExpectedVersion, models.ErrPersistenceConflict)
	}
	updated := p.Apply(current, r.now())
	r.data[id] = updated
	return copyAddress(updated), nil
}

// Len returns the number of stored addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func copyAddress(a models.Address) models.Address {
	a.Tags = append([]string(nil), a.Tags...)
	if a.Balance != nil {
		b := *a.Balance
		a.Balance = &b
	}
	return a
}
