// Package registry keeps the durable short-id lookup that makes every job
// and session resumable from a fresh process: id in, key prefix out.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/metrics"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

// Kind says what an entry's id refers to.
type Kind string

const (
	KindJob     Kind = "job"
	KindSession Kind = "session"
)

// Entry is the registry record at registry/{id}.json.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Tool      string    `json:"tool"`
	Prefix    string    `json:"prefix"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Catalog mirrors registry entries into an external index. The bucket
// registry stays the source of truth; every catalog failure is survivable.
type Catalog interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// NewCatalog returns the catalog for the given DSN, or a no-op when the DSN
// is empty.
func NewCatalog(ctx context.Context, dsn string) (Catalog, error) {
	if dsn == "" {
		return noopCatalog{}, nil
	}
	return NewPostgresCatalog(ctx, dsn)
}

type noopCatalog struct{}

func (noopCatalog) Record(context.Context, Entry) error { return nil }
func (noopCatalog) Close() error                        { return nil }

// Registry reads and writes entries on the shared bucket, mirroring each
// write to the catalog.
type Registry struct {
	store   storage.Store
	catalog Catalog
	log     *slog.Logger
}

// New builds a Registry. A nil catalog disables mirroring.
func New(store storage.Store, catalog Catalog) *Registry {
	if catalog == nil {
		catalog = noopCatalog{}
	}
	return &Registry{
		store:   store,
		catalog: catalog,
		log:     logging.Component("registry"),
	}
}

// Put writes an entry. The bucket write must succeed; the catalog mirror is
// best effort and only warns.
func (r *Registry) Put(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("registry entry has no id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := storage.PutJSON(ctx, r.store, job.RegistryKey(e.ID), e); err != nil {
		return fmt.Errorf("write registry entry %s: %w", e.ID, err)
	}

	if err := r.catalog.Record(ctx, e); err != nil {
		metrics.Get().IncCatalogErrors("record")
		r.log.Warn("failed to mirror entry to catalog", "id", e.ID, "error", err)
	}
	return nil
}

// Get looks up one entry. storage.ErrNotFound means the id was never
// registered.
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	if err := storage.GetJSON(ctx, r.store, job.RegistryKey(id), &e); err != nil {
		return Entry{}, fmt.Errorf("read registry entry %s: %w", id, err)
	}
	return e, nil
}

// Recent returns entries newest first. Unreadable entries are skipped with a
// warning so one corrupt record cannot hide the rest. limit <= 0 returns
// everything.
func (r *Registry) Recent(ctx context.Context, limit int) ([]Entry, error) {
	keys, err := r.store.List(ctx, job.RegistryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		var e Entry
		if err := storage.GetJSON(ctx, r.store, key, &e); err != nil {
			r.log.Warn("skipping unreadable registry entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
