package state

import (
	"sort"
	"sync"
	"time"
)

type SeenPeer struct {
	Label    string    `json:"label"`
	Addrs    []string  `json:"addrs,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type PeerEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

// PeerInfo is a SeenPeer with its id, as listed by /api/peers.
type PeerInfo struct {
	ID string `json:"id"`
	SeenPeer
}

// PeerTable is the directory of peers heard on the presence topic.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]SeenPeer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

func (t *PeerTable) Upsert(id, label string, addrs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{
		Label:    label,
		Addrs:    append([]string(nil), addrs...),
		LastSeen: time.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = time.Now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// Label returns the display label of id, or "" when the peer is unknown.
func (t *PeerTable) Label(id string) string {
	sp, _ := t.Get(id)
	return sp.Label
}

// List returns the peers sorted by label, then id.
func (t *PeerTable) List() []PeerInfo {
	t.mu.Lock()
	out := make([]PeerInfo, 0, len(t.peers))
	for id, sp := range t.peers {
		out = append(out, PeerInfo{ID: id, SeenPeer: sp})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PruneOlderThan drops peers not heard from since cutoff.
func (t *PeerTable) PruneOlderThan(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
