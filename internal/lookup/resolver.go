// Package lookup resolves scanned codes to item identities through an
// injected cache in front of the remote lookup.
package lookup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

var (
	ErrInvalidCode = errors.New("invalid code")
	ErrUnknownCode = errors.New("no item matches code")
)

// Resolver implements platform.Lookup with caching.
type Resolver struct {
	remote platform.Lookup
	cache  Cache
	minLen int
	log    *zap.Logger
}

var _ platform.Lookup = (*Resolver)(nil)

// NewResolver wraps remote. A nil cache disables caching.
func NewResolver(remote platform.Lookup, cache Cache, minLen int, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{remote: remote, cache: cache, minLen: minLen, log: log}
}

// Resolve returns the identity for code. Unknown codes yield ErrUnknownCode
// and are not cached, so items created later resolve on the next scan.
func (r *Resolver) Resolve(ctx context.Context, raw string) (model.ItemIdentity, error) {
	code := ident.NormalizeCode(raw)
	if !ident.ValidCode(code, r.minLen) {
		return model.ItemIdentity{}, fmt.Errorf("%w: %q", ErrInvalidCode, raw)
	}

	if r.cache != nil {
		id, ok, err := r.cache.Get(ctx, code)
		if err != nil {
			r.log.Warn("lookup cache read failed", zap.String("code", code), zap.Error(err))
		} else if ok {
			return id, nil
		}
	}

	found, err := r.remote.LookupByCode(ctx, code)
	if err != nil {
		return model.ItemIdentity{}, fmt.Errorf("lookup %s: %w", code, err)
	}
	if found == nil {
		return model.ItemIdentity{}, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}

	if r.cache != nil {
		if err := r.cache.Put(ctx, code, *found); err != nil {
			r.log.Warn("lookup cache write failed", zap.String("code", code), zap.Error(err))
		}
	}
	return *found, nil
}

// LookupByCode implements platform.Lookup.
func (r *Resolver) LookupByCode(ctx context.Context, code string) (*model.ItemIdentity, error) {
	id, err := r.Resolve(ctx, code)
	if errors.Is(err, ErrUnknownCode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Invalidate drops every cached entry.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	ver, err := r.cache.Invalidate(ctx)
	if err != nil {
		return err
	}
	r.log.Info("lookup cache invalidated", zap.Int64("version", ver))
	return nil
}
