package jwkscache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry is the keyed dispatch layer on top of CacheManager: one manager
// per (tenant, provider), registered and looked up under a single read/write
// guard. It owns registry-wide defaults, the HTTPS/allowlist policy applied
// to every registration, the shared telemetry recorder, and an optional
// persistence backend consulted on registration and flushed on PersistAll.
type Registry struct {
	mu       sync.RWMutex
	managers map[ProviderKey]*CacheManager

	defaults             Defaults
	registryRequireHTTPS bool
	allowlist            []string

	persistence PersistenceBackend
	global      *Telemetry
}

// NewRegistry constructs an empty registry. persistence may be NoopPersistence{}.
func NewRegistry(defaults Defaults, registryRequireHTTPS bool, allowlist []string, persistence PersistenceBackend, global *Telemetry) *Registry {
	return &Registry{
		managers:             make(map[ProviderKey]*CacheManager),
		defaults:             defaults,
		registryRequireHTTPS: registryRequireHTTPS,
		allowlist:            allowlist,
		persistence:          persistence,
		global:               global,
	}
}

// Register validates reg against the registry's defaults and policy, then
// installs a fresh CacheManager for it. Registering a key that already
// exists replaces the previous manager, which is closed once the new one is
// installed, so updating a provider's configuration is just registering it
// again.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	reg = reg.WithDefaults(r.defaults)
	if err := reg.Validate(r.registryRequireHTTPS, r.allowlist); err != nil {
		return err
	}

	transport := NewTransport(reg)
	manager := NewCacheManager(reg, transport, r.global)

	r.mu.Lock()
	if prev, exists := r.managers[reg.Key()]; exists {
		delete(r.managers, reg.Key())
		defer prev.Close()
	}
	r.managers[reg.Key()] = manager
	r.mu.Unlock()

	if snap, ok, err := r.persistence.Load(ctx, reg.Key()); err == nil && ok {
		_ = manager.RestoreSnapshot(time.Now(), *snap)
	}
	return nil
}

// Unregister removes a provider and closes its manager, stopping any
// in-flight background refresh.
func (r *Registry) Unregister(key ProviderKey) error {
	r.mu.Lock()
	m, ok := r.managers[key]
	if ok {
		delete(r.managers, key)
	}
	r.mu.Unlock()

	if !ok {
		return errNotRegistered(key.Tenant, key.Provider)
	}
	m.Close()
	return nil
}

func (r *Registry) lookup(tenant, provider string) (*CacheManager, error) {
	key := ProviderKey{Tenant: tenant, Provider: provider}
	r.mu.RLock()
	m, ok := r.managers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, errNotRegistered(tenant, provider)
	}
	return m, nil
}

// Resolve dispatches to the manager registered for (tenant, provider),
// returning the keyset alongside its cache validator (empty if the upstream
// never supplied one).
func (r *Registry) Resolve(ctx context.Context, tenant, provider string) (*Keyset, string, error) {
	m, err := r.lookup(tenant, provider)
	if err != nil {
		return nil, "", err
	}
	return m.Resolve(ctx)
}

// TriggerRefresh dispatches an admin-forced refresh to the manager registered
// for (tenant, provider). The returned bool reports whether the refresh ran
// synchronously (true) or was handed off to a background goroutine (false).
func (r *Registry) TriggerRefresh(ctx context.Context, tenant, provider string) (bool, error) {
	m, err := r.lookup(tenant, provider)
	if err != nil {
		return false, err
	}
	return m.TriggerRefresh(ctx)
}

// ProviderStatus projects the status of a single registered provider.
func (r *Registry) ProviderStatus(tenant, provider string) (ProviderStatus, error) {
	m, err := r.lookup(tenant, provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	return m.Status(), nil
}

// AllStatuses projects every registered provider's status, sorted by
// (tenant, provider) for a stable listing order.
func (r *Registry) AllStatuses() []ProviderStatus {
	r.mu.RLock()
	keys := make([]ProviderKey, 0, len(r.managers))
	managers := make(map[ProviderKey]*CacheManager, len(r.managers))
	for k, m := range r.managers {
		keys = append(keys, k)
		managers[k] = m
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Tenant != keys[j].Tenant {
			return keys[i].Tenant < keys[j].Tenant
		}
		return keys[i].Provider < keys[j].Provider
	})

	statuses := make([]ProviderStatus, 0, len(keys))
	for _, k := range keys {
		statuses = append(statuses, managers[k].Status())
	}
	return statuses
}

// RestoreFromPersistence loads a persisted snapshot for every registered
// provider and seeds it into that provider's manager, mirroring the restore
// Register already performs inline for a single provider at registration
// time. It is meant for a bulk warm-start after a process restart, run once
// over whatever is already registered; a provider with no persisted snapshot,
// or one the manager declines (already populated, or expired), is left alone.
func (r *Registry) RestoreFromPersistence(ctx context.Context) error {
	r.mu.RLock()
	managers := make(map[ProviderKey]*CacheManager, len(r.managers))
	for k, m := range r.managers {
		managers[k] = m
	}
	r.mu.RUnlock()

	now := time.Now()
	for key, m := range managers {
		snap, ok, err := r.persistence.Load(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.RestoreSnapshot(now, *snap); err != nil {
			return err
		}
	}
	return nil
}

// PersistAll snapshots every manager that has something cached and writes
// them through the configured persistence backend in one batch.
func (r *Registry) PersistAll(ctx context.Context) error {
	r.mu.RLock()
	managers := make([]*CacheManager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(managers))
	for _, m := range managers {
		if snap, ok := m.Snapshot(); ok {
			snapshots = append(snapshots, snap)
		}
	}
	if len(snapshots) == 0 {
		return nil
	}
	return r.persistence.Persist(ctx, snapshots)
}

// Close shuts down every registered manager, waiting for their in-flight
// background refreshes to return.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*CacheManager, 0, len(r.managers))
	for k, m := range r.managers {
		managers = append(managers, m)
		delete(r.managers, k)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
