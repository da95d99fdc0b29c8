package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryStripes = 64

// MemoryStore implements Store in process memory. Units of work on the same
// key are serialized by a striped lock; different keys proceed in parallel.
type MemoryStore struct {
	stripes [memoryStripes]sync.Mutex

	mu          sync.RWMutex
	licenses    map[string]*License
	activations map[string][]memActivation
	seq         uint64
}

type memActivation struct {
	Activation
	seq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses:    make(map[string]*License),
		activations: make(map[string][]memActivation),
	}
}

func (s *MemoryStore) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripes[h.Sum32()%memoryStripes]
}

func (s *MemoryStore) InsertLicense(_ context.Context, lic License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[lic.Key]; ok {
		return ErrDuplicate
	}
	stored := copyLicense(&lic)
	if stored.Usage == nil {
		stored.Usage = make(map[string]int64)
	}
	s.licenses[lic.Key] = stored
	return nil
}

func (s *MemoryStore) GetLicense(_ context.Context, key string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLicense(lic), nil
}

func (s *MemoryStore) ListLicenses(_ context.Context, f ListFilter) ([]License, error) {
	s.mu.RLock()
	out := make([]License, 0, len(s.licenses))
	for _, lic := range s.licenses {
		if f.ProductID != "" && lic.ProductID != f.ProductID {
			continue
		}
		if f.Status != "" && lic.Status != f.Status {
			continue
		}
		out = append(out, *copyLicense(lic))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].Key < out[j].Key
	})
	if f.Offset >= len(out) {
		return []License{}, nil
	}
	out = out[f.Offset:]
	if limit := listLimit(f); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteLicense(_ context.Context, key string) error {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[key]; !ok {
		return ErrNotFound
	}
	delete(s.licenses, key)
	delete(s.activations, key)
	return nil
}

func (s *MemoryStore) ListActivations(_ context.Context, key string) ([]Activation, error) {
	s.mu.RLock()
	acts := append([]memActivation(nil), s.activations[key]...)
	s.mu.RUnlock()
	sortActivations(acts)
	out := make([]Activation, len(acts))
	for i, a := range acts {
		out[i] = a.Activation
	}
	return out, nil
}

func (s *MemoryStore) RecentActivations(_ context.Context, limit int) ([]Activation, error) {
	s.mu.RLock()
	var all []memActivation
	for _, acts := range s.activations {
		all = append(all, acts...)
	}
	s.mu.RUnlock()
	sortActivations(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Activation, len(all))
	for i, a := range all {
		out[i] = a.Activation
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	st := &Stats{TotalLicenses: len(s.licenses)}
	for _, lic := range s.licenses {
		switch lic.Status {
		case StatusActive:
			st.ActiveLicenses++
		case StatusRevoked:
			st.RevokedLicenses++
		}
	}
	for _, acts := range s.activations {
		st.TotalActivations += len(acts)
	}
	s.mu.RUnlock()

	recent, err := s.RecentActivations(ctx, StatsRecentActivations)
	if err != nil {
		return nil, err
	}
	st.RecentActivations = recent
	return st, nil
}

func (s *MemoryStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{store: s, key: key}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(key, &tx.pending)
	return nil
}

func (s *MemoryStore) commit(key string, p *pending) {
	if p.empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[key]
	if !ok {
		return
	}
	p.overlay(lic)
	for _, a := range p.activations {
		s.seq++
		s.activations[key] = append(s.activations[key], memActivation{Activation: a, seq: s.seq})
	}
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	key     string
	pending pending
}

func (tx *memoryTx) GetLicense(ctx context.Context, key string) (*License, error) {
	if err := checkScope(tx.key, key); err != nil {
		return nil, err
	}
	lic, err := tx.store.GetLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	tx.pending.overlay(lic)
	return lic, nil
}

func (tx *memoryTx) UpdateStatus(_ context.Context, key string, status Status, revokedAt *time.Time) error {
	if err := checkScope(tx.key, key); err != nil {
		return err
	}
	tx.pending.setStatus(status, revokedAt)
	return nil
}

func (tx *memoryTx) CountActivations(_ context.Context, key string) (int, error) {
	if err := checkScope(tx.key, key); err != nil {
		return 0, err
	}
	tx.store.mu.RLock()
	n := len(tx.store.activations[key])
	tx.store.mu.RUnlock()
	return n + len(tx.pending.activations), nil
}

func (tx *memoryTx) ExistsActivation(_ context.Context, key, instanceID string) (bool, error) {
	if err := checkScope(tx.key, key); err != nil {
		return false, err
	}
	if tx.pending.hasActivation(instanceID) {
		return true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, a := range tx.store.activations[key] {
		if a.InstanceID == instanceID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertActivation(ctx context.Context, a Activation) error {
	if err := checkScope(tx.key, a.Key); err != nil {
		return err
	}
	exists, err := tx.ExistsActivation(ctx, a.Key, a.InstanceID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}
	tx.pending.addActivation(a)
	return nil
}

func (tx *memoryTx) GetUsage(_ context.Context, key string) (map[string]int64, error) {
	if err := checkScope(tx.key, key); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	lic, ok := tx.store.licenses[key]
	var usage map[string]int64
	if ok {
		usage = copyUsage(lic.Usage)
	}
	tx.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return tx.pending.overlayUsage(usage), nil
}

func (tx *memoryTx) SetUsage(_ context.Context, key, metric string, value int64) error {
	if err := checkScope(tx.key, key); err != nil {
		return err
	}
	tx.pending.setUsage(metric, value)
	return nil
}

func sortActivations(acts []memActivation) {
	sort.Slice(acts, func(i, j int) bool {
		if !acts[i].ActivatedAt.Equal(acts[j].ActivatedAt) {
			return acts[i].ActivatedAt.After(acts[j].ActivatedAt)
		}
		return acts[i].seq > acts[j].seq
	})
}

func copyLicense(lic *License) *License {
	out := *lic
	out.Limits = lic.Limits.Clone()
	out.Usage = copyUsage(lic.Usage)
	if lic.RevokedAt != nil {
		t := *lic.RevokedAt
		out.RevokedAt = &t
	}
	if lic.MaxActivations != nil {
		n := *lic.MaxActivations
		out.MaxActivations = &n
	}
	return &out
}

func copyUsage(usage map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(usage))
	for k, v := range usage {
		out[k] = v
	}
	return out
}
