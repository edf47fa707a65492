package jwkscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the persisted form of a cached payload.
type Snapshot struct {
	TenantID     string    `json:"tenant_id"`
	ProviderID   string    `json:"provider_id"`
	JWKSJSON     []byte    `json:"jwks_json"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"` // UTC wall-clock
	PersistedAt  time.Time `json:"persisted_at"`
}

// Validate enforces the snapshot validation rules against the owning
// registration.
func (s Snapshot) Validate(reg Registration) error {
	if s.TenantID != reg.TenantID || s.ProviderID != reg.ProviderID {
		return errValidation("snapshot", "tenant/provider does not match registration")
	}
	if s.ExpiresAt.Before(s.PersistedAt) {
		return errValidation("snapshot.expires_at", "must be >= persisted_at")
	}
	if int64(len(s.JWKSJSON)) > reg.MaxResponseBytes {
		return errValidation("snapshot.jwks_json", "exceeds max_response_bytes")
	}
	for _, r := range s.ETag {
		if r > 127 {
			return errValidation("snapshot.etag", "must be ASCII")
		}
	}
	return nil
}

// PersistenceBackend is the capability object backing snapshot load/persist.
// Absence of persistence is modeled as a concrete NoopPersistence value
// rather than a nil interface, so call sites never need a nil check.
type PersistenceBackend interface {
	Load(ctx context.Context, key ProviderKey) (*Snapshot, bool, error)
	Persist(ctx context.Context, snapshots []Snapshot) error
}

// NoopPersistence is the zero-value persistence backend.
type NoopPersistence struct{}

func (NoopPersistence) Load(context.Context, ProviderKey) (*Snapshot, bool, error) {
	return nil, false, nil
}

func (NoopPersistence) Persist(context.Context, []Snapshot) error { return nil }

// RedisPersistence stores snapshots as JSON blobs keyed by
// "namespace:tenant:provider", grounded on the Get/Set-with-TTL shape used
// throughout this codebase's Redis-backed caches.
type RedisPersistence struct {
	client    *redis.Client
	namespace string
}

// NewRedisPersistence wraps an existing Redis client. namespace defaults to
// "jwks" when empty.
func NewRedisPersistence(client *redis.Client, namespace string) *RedisPersistence {
	if namespace == "" {
		namespace = "jwks"
	}
	return &RedisPersistence{client: client, namespace: namespace}
}

func (r *RedisPersistence) blobKey(k ProviderKey) string {
	return fmt.Sprintf("%s:%s:%s", r.namespace, k.Tenant, k.Provider)
}

// Load retrieves and deserializes a snapshot, reporting ok=false on a clean
// cache miss (redis.Nil) and an error only for unexpected failures.
func (r *RedisPersistence) Load(ctx context.Context, key ProviderKey) (*Snapshot, bool, error) {
	val, err := r.client.Get(ctx, r.blobKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errCache("failed to load snapshot", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, false, errCache("failed to unmarshal snapshot", err)
	}
	return &snap, true, nil
}

// Persist writes each snapshot with a TTL equal to the time left until the
// snapshot's own ExpiresAt; a snapshot that has already expired is kept for a
// fixed day instead. The stale_while_error window is not taken into account.
func (r *RedisPersistence) Persist(ctx context.Context, snapshots []Snapshot) error {
	pipe := r.client.Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return errCache("failed to marshal snapshot", err)
		}
		ttl := time.Until(snap.ExpiresAt)
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := r.blobKey(ProviderKey{Tenant: snap.TenantID, Provider: snap.ProviderID})
		pipe.Set(ctx, key, data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errCache("failed to persist snapshots", err)
	}
	return nil
}
