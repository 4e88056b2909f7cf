package access

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/maintflow/model"
)

type cacheEntry struct {
	roles   model.RoleSet
	expires time.Time
}

// Resolver implements model.RoleResolver. It merges the roles carried by the
// caller's token with those held in a RoleDirectory and caches the directory
// lookups per subject and tenant.
type Resolver struct {
	directory model.RoleDirectory
	ttl       time.Duration
	observer  CacheObserver
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// CacheObserver is notified of directory cache hits and misses.
type CacheObserver interface {
	RecordRoleCacheHit()
	RecordRoleCacheMiss()
}

// SetObserver registers o to receive cache hit and miss notifications.
func (r *Resolver) SetObserver(o CacheObserver) {
	r.observer = o
}

// NewResolver creates a new Resolver. directory may be nil, in which case
// only token roles are used.
func NewResolver(directory model.RoleDirectory, ttl time.Duration) *Resolver {
	return &Resolver{
		directory: directory,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

func cacheKey(subjectID, tenantID string) string {
	return subjectID + ":" + tenantID
}

// Resolve returns the effective role set for the request context.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.RoleSet, error) {
	roles := model.NewRoleSet(rctx.Roles...)
	if r.directory == nil {
		return roles, nil
	}

	key := cacheKey(rctx.SubjectID, rctx.TenantID)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	hit := ok && time.Now().Before(entry.expires)
	if r.observer != nil {
		if hit {
			r.observer.RecordRoleCacheHit()
		} else {
			r.observer.RecordRoleCacheMiss()
		}
	}
	if !hit {
		assigned, err := r.directory.RolesFor(rctx)
		if err != nil {
			return nil, err
		}
		entry = cacheEntry{roles: model.NewRoleSet(assigned...), expires: time.Now().Add(r.ttl)}
		r.mu.Lock()
		r.cache[key] = entry
		r.mu.Unlock()
	}

	for role := range entry.roles {
		roles[role] = true
	}
	return roles, nil
}

// Invalidate clears cached roles for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(subjectID, tenantID))
	r.mu.Unlock()
}

// InvalidateTenant clears every cached entry for a tenant.
func (r *Resolver) InvalidateTenant(tenantID string) {
	suffix := ":" + tenantID
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasSuffix(key, suffix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
