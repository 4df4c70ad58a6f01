// Package encryption derives per-workspace symmetric keys from a shared room
// secret and seals every payload a peer sends while a secret is set.
package encryption

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	apperrors "collaborative-workspace-sync/internal/errors"
)

const (
	defaultCacheSize  = 32
	defaultCacheTTL   = 30 * time.Minute
	defaultIterations = 100000
)

type KeyringOptions struct {
	CacheSize  int
	CacheTTL   time.Duration
	Iterations int
	Logger     zerolog.Logger
}

// Keyring derives keys and remembers the most recently used ones. Deriving is
// deliberately slow, so concurrent requests for the same key share a single
// derivation.
type Keyring struct {
	iterations int
	cache      *expirable.LRU[string, *Key]
	group      singleflight.Group
	logger     zerolog.Logger
}

func NewKeyring(opts KeyringOptions) *Keyring {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Iterations <= 0 {
		opts.Iterations = defaultIterations
	}
	return &Keyring{
		iterations: opts.Iterations,
		cache:      expirable.NewLRU[string, *Key](opts.CacheSize, nil, opts.CacheTTL),
		logger:     opts.Logger,
	}
}

// cacheKey never holds the secret itself.
func cacheKey(workspaceID, secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return workspaceID + "/" + hex.EncodeToString(sum[:])
}

// Derive returns the key for workspaceID and secret, from cache when possible.
func (k *Keyring) Derive(ctx context.Context, workspaceID, secret string) (*Key, error) {
	if workspaceID == "" {
		return nil, apperrors.Invalid("Workspace id is required", nil)
	}
	if secret == "" {
		return nil, apperrors.Invalid("Room secret is required", nil)
	}

	id := cacheKey(workspaceID, secret)
	if key, ok := k.cache.Get(id); ok {
		return key, nil
	}

	ch := k.group.DoChan(id, func() (any, error) {
		if key, ok := k.cache.Get(id); ok {
			return key, nil
		}
		start := time.Now()
		key, err := deriveKey(workspaceID, secret, k.iterations)
		if err != nil {
			return nil, err
		}
		k.cache.Add(id, key)
		k.logger.Debug().
			Str("workspace_id", workspaceID).
			Dur("took", time.Since(start)).
			Msg("Derived workspace key")
		return key, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, apperrors.Internal(res.Err)
		}
		return res.Val.(*Key), nil
	case <-ctx.Done():
		return nil, apperrors.Transient("Key derivation cancelled", ctx.Err())
	}
}

// Cached reports whether a key for the pair is currently held.
func (k *Keyring) Cached(workspaceID, secret string) bool {
	return k.cache.Contains(cacheKey(workspaceID, secret))
}

func (k *Keyring) Len() int {
	return k.cache.Len()
}

// Forget drops a cached key, for example after the secret was changed.
func (k *Keyring) Forget(workspaceID, secret string) {
	k.cache.Remove(cacheKey(workspaceID, secret))
}

// Prepare is the only way to obtain a Ready token. With an empty secret the
// token is valid but unencrypted.
func (k *Keyring) Prepare(ctx context.Context, workspaceID, secret string) (Ready, error) {
	if workspaceID == "" {
		return Ready{}, apperrors.Invalid("Workspace id is required", nil)
	}
	if secret == "" {
		return Ready{workspaceID: workspaceID, prepared: true}, nil
	}
	key, err := k.Derive(ctx, workspaceID, secret)
	if err != nil {
		return Ready{}, err
	}
	return Ready{workspaceID: workspaceID, key: key, prepared: true}, nil
}
