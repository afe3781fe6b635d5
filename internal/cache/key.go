package cache

import "github.com/nus-vv-streams/vvtk-sub001/internal/types"

// Key is the identity of a decoded frame in the cache.
//
// Equality is defined on (Object, Offset) only. The quality level and the
// camera pose that produced a frame are not part of the key, so a
// higher-quality refetch of a cached offset overwrites the entry. Key holds no
// reference to the value it was derived from.
type Key struct {
	Object types.ObjectID
	Offset uint64
}

// KeyFromRequest derives the key of a fetch request.
func KeyFromRequest(r types.FetchRequest) Key {
	return Key{Object: r.Object, Offset: r.Offset}
}

// KeyFromFrameRequest derives the key of a frame request.
func KeyFromFrameRequest(r types.FrameRequest) Key {
	return Key{Object: r.Object, Offset: r.Offset}
}

// KeyFromMetadata derives the key of a metadata record.
func KeyFromMetadata(m types.Metadata) Key {
	return Key{Object: m.Object, Offset: m.Offset}
}

// KeyFromFrame derives the key of a decoded frame.
func KeyFromFrame(f *types.DecodedFrame) Key {
	return Key{Object: f.Object, Offset: f.Offset}
}

// Metadata converts the key back into a boundary metadata record.
func (k Key) Metadata() types.Metadata {
	return types.Metadata{Object: k.Object, Offset: k.Offset}
}
