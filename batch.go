package opstream

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// KeyCodec round-trips a grouping key through a stable string form. Encode
// must be deterministic so that equal keys collide into the same group;
// Decode must reconstruct the key from that form.
type KeyCodec[K any] struct {
	Encode func(K) string
	Decode func(string) (K, error)
}

// KeyedBatch accumulates values grouped by key, preserving insertion order
// within each group. It is not safe for concurrent mutation; the owning
// pipeline serializes access through its loop.
type KeyedBatch[K any, V any] struct {
	codec  KeyCodec[K]
	groups map[string][]V
}

func NewKeyedBatch[K any, V any](codec KeyCodec[K]) *KeyedBatch[K, V] {
	return &KeyedBatch[K, V]{
		codec:  codec,
		groups: map[string][]V{},
	}
}

// Add appends v to the group for id, creating the group if needed.
func (b *KeyedBatch[K, V]) Add(id K, v V) {
	key := b.codec.Encode(id)
	b.groups[key] = append(b.groups[key], v)
}

// Clear drops all groups.
func (b *KeyedBatch[K, V]) Clear() {
	b.groups = map[string][]V{}
}

// Len returns the number of groups.
func (b *KeyedBatch[K, V]) Len() int {
	return len(b.groups)
}

// Each invokes fn for every group, all groups in parallel, and returns once
// every invocation has returned. The first error observed cancels the shared
// context and is returned.
func (b *KeyedBatch[K, V]) Each(ctx context.Context, fn func(ctx context.Context, id K, values []V) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for key, values := range b.groups {
		key, values := key, values
		g.Go(func() error {
			id, err := b.codec.Decode(key)
			if err != nil {
				return err
			}
			return fn(ctx, id, values)
		})
	}
	return g.Wait()
}
