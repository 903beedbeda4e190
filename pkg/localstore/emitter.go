package localstore

import (
	"sync"

	"github.com/relaysync/engine/pkg/objectkey"
)

// Two Store instances opened on the same root directory (for example, two
// Setup instances in the same process sharing a profile) need to observe
// each other's writes immediately, without waiting for a remote round
// trip. hub is a process-wide, root-keyed registry of the Store instances
// that currently have that root open; a write on one is fanned out
// synchronously to every other subscriber on the same root.
type hub struct {
	mu   sync.Mutex
	subs map[*Store]struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*hub{}
)

func hubFor(root string) *hub {
	registryMu.Lock()
	defer registryMu.Unlock()
	h, ok := registry[root]
	if !ok {
		h = &hub{subs: map[*Store]struct{}{}}
		registry[root] = h
	}
	return h
}

func (h *hub) subscribe(s *Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *hub) unsubscribe(s *Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)

	if len(h.subs) == 0 {
		registryMu.Lock()
		defer registryMu.Unlock()
		if cur, ok := registry[s.root]; ok && cur == h {
			delete(registry, s.root)
		}
	}
}

func (h *hub) broadcastChanged(from *Store, key objectkey.ObjectKey, wasDeleted bool) {
	h.mu.Lock()
	peers := make([]*Store, 0, len(h.subs))
	for s := range h.subs {
		if s != from {
			peers = append(peers, s)
		}
	}
	h.mu.Unlock()

	for _, s := range peers {
		s.onRemoteChanged(key, wasDeleted)
	}
}

func (h *hub) broadcastTypeCleared(from *Store, typeName string) {
	h.mu.Lock()
	peers := make([]*Store, 0, len(h.subs))
	for s := range h.subs {
		if s != from {
			peers = append(peers, s)
		}
	}
	h.mu.Unlock()

	for _, s := range peers {
		s.onRemoteTypeCleared(typeName)
	}
}

func (h *hub) broadcastReset(from *Store) {
	h.mu.Lock()
	peers := make([]*Store, 0, len(h.subs))
	for s := range h.subs {
		if s != from {
			peers = append(peers, s)
		}
	}
	h.mu.Unlock()

	for _, s := range peers {
		s.onRemoteReset()
	}
}
