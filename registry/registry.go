// Package registry tracks the live sessions of the server, keyed by session
// id. Each entry holds the channel a session listens on and the handle used to
// write back to it. The registry owns no transport resources; removing an
// entry never closes its handle.
package registry

import (
	"github.com/cyberinferno/sshhub/safemap"
)

// SessionID identifies a logical session for the lifetime of the server.
type SessionID uint64

// ChannelID identifies a channel within a single session's transport. It is
// opaque to the registry.
type ChannelID uint32

// Entry is the registry value for one session.
type Entry[H any] struct {
	Channel ChannelID
	Handle  H
}

// Registry is a concurrency-safe map from session id to Entry. Register,
// Unregister and ForEachExcept are atomic with respect to each other: a
// traversal never observes a mutation half-way through.
type Registry[H any] struct {
	entries *safemap.SafeMap[SessionID, Entry[H]]
}

// New creates an empty Registry.
//
// Returns:
//   - A new Registry ready for use
func New[H any]() *Registry[H] {
	return &Registry[H]{entries: safemap.NewSafeMap[SessionID, Entry[H]]()}
}

// Register inserts or overwrites the entry for id.
//
// Parameters:
//   - id: The session id
//   - channel: The channel data for this session should be written to
//   - handle: The handle capable of writing to channel
func (r *Registry[H]) Register(id SessionID, channel ChannelID, handle H) {
	r.entries.Store(id, Entry[H]{Channel: channel, Handle: handle})
}

// Unregister removes the entry for id. Absence is not an error.
//
// Parameters:
//   - id: The session id to remove
//
// Returns:
//   - true if an entry was removed
func (r *Registry[H]) Unregister(id SessionID) bool {
	return r.entries.Delete(id)
}

// ForEachExcept calls f for every entry whose id differs from excluded. The
// registry is locked against mutation for the duration of the traversal, so f
// must not call Register or Unregister, and should not block.
//
// Parameters:
//   - excluded: The id to skip
//   - f: Function invoked once per remaining entry
func (r *Registry[H]) ForEachExcept(excluded SessionID, f func(id SessionID, entry Entry[H])) {
	r.entries.Range(func(id SessionID, entry Entry[H]) bool {
		if id != excluded {
			f(id, entry)
		}
		return true
	})
}

// Get returns the entry registered for id.
func (r *Registry[H]) Get(id SessionID) (Entry[H], bool) {
	return r.entries.Load(id)
}

// Has reports whether id is registered.
func (r *Registry[H]) Has(id SessionID) bool {
	return r.entries.Has(id)
}

// Len returns the number of registered sessions.
func (r *Registry[H]) Len() int {
	return r.entries.Len()
}

// IDs returns a snapshot of the registered ids.
func (r *Registry[H]) IDs() []SessionID {
	return r.entries.Keys()
}
