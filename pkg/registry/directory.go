// Package registry keeps the shared process directory: one record per live
// process under processes/{id}, holding the process's binding.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"bullywork/pkg/logger"
	"bullywork/pkg/metrics"
	"bullywork/pkg/models"
	"bullywork/pkg/storage"
)

type Directory struct {
	store storage.Store
	loc   storage.Location
	log   *zap.Logger

	mu    sync.RWMutex
	peers []models.ProcessRecord // sorted by id
}

func New(store storage.Store, loc storage.Location, log *zap.Logger) *Directory {
	return &Directory{store: store, loc: loc, log: logger.Named(log, "registry")}
}

// Publish upserts rec under its own id.
func (d *Directory) Publish(ctx context.Context, rec models.ProcessRecord) error {
	payload, err := json.Marshal(rec.Binding)
	if err != nil {
		return err
	}
	if err := d.store.Put(ctx, d.loc.Bucket, d.loc.Key(string(rec.ID)), payload); err != nil {
		return fmt.Errorf("publish %s: %w", rec.ID, err)
	}
	return nil
}

// Refresh re-lists the directory and returns every record sorted by id.
// Records that do not parse are skipped.
func (d *Directory) Refresh(ctx context.Context) ([]models.ProcessRecord, error) {
	objs, err := d.store.ListPrefix(ctx, d.loc.Bucket, d.loc.Key(""))
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	recs := make([]models.ProcessRecord, 0, len(objs))
	for _, o := range objs {
		id, ok := d.loc.Name(o.Key)
		if !ok {
			continue
		}
		var b models.Binding
		if err := json.Unmarshal(o.Payload, &b); err != nil {
			d.log.Warn("Skipping unreadable process record", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		recs = append(recs, models.ProcessRecord{ID: models.ProcessID(id), Binding: b})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	d.mu.Lock()
	d.peers = recs
	d.mu.Unlock()
	metrics.KnownPeers.Set(float64(len(recs)))

	return append([]models.ProcessRecord(nil), recs...), nil
}

// Remove deletes the record for id and drops it from the cache.
func (d *Directory) Remove(ctx context.Context, id models.ProcessID) error {
	if err := d.store.Delete(ctx, d.loc.Bucket, d.loc.Key(string(id))); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	d.mu.Lock()
	for i, p := range d.peers {
		if p.ID == id {
			d.peers = append(d.peers[:i:i], d.peers[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return nil
}

// Lookup resolves id from the cache, refreshing once on a miss.
func (d *Directory) Lookup(ctx context.Context, id models.ProcessID) (models.ProcessRecord, bool, error) {
	if rec, ok := d.cached(id); ok {
		return rec, true, nil
	}
	if _, err := d.Refresh(ctx); err != nil {
		return models.ProcessRecord{}, false, err
	}
	rec, ok := d.cached(id)
	return rec, ok, nil
}

func (d *Directory) cached(id models.ProcessID) (models.ProcessRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := sort.Search(len(d.peers), func(i int) bool { return d.peers[i].ID >= id })
	if i < len(d.peers) && d.peers[i].ID == id {
		return d.peers[i], true
	}
	return models.ProcessRecord{}, false
}

// Cached returns the records from the last refresh.
func (d *Directory) Cached() []models.ProcessRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.ProcessRecord(nil), d.peers...)
}
