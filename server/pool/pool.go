package pool

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PeerPool tracks the peers connected to one simulator instance
type PeerPool struct {
	mu     sync.RWMutex
	peers  map[string]*Peer // peerID -> peer
	logger zerolog.Logger

	// Cached snapshot for lock-free List on the broadcast path
	cachedPeers atomic.Pointer[[]*Peer]
}

// Peer is one connected client
type Peer struct {
	ID          string
	Remote      string
	Transport   string
	ConnectedAt time.Time

	lastSeen atomic.Int64 // unix nano

	// Traffic accounting
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	Commands       atomic.Uint64
}

// NewPeer creates a peer seen now
func NewPeer(id, remote, transport string) *Peer {
	now := time.Now()
	p := &Peer{
		ID:          id,
		Remote:      remote,
		Transport:   transport,
		ConnectedAt: now,
	}
	p.lastSeen.Store(now.UnixNano())
	return p
}

// LastSeen returns the time a frame was last received from the peer
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// New creates an empty peer pool
func New(logger zerolog.Logger) *PeerPool {
	return &PeerPool{
		peers:  make(map[string]*Peer),
		logger: logger.With().Str("com", "peer-pool").Logger(),
	}
}

// Add registers a new peer
func (p *PeerPool) Add(peer *Peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.peers[peer.ID]; exists {
		return fmt.Errorf("peer %s already exists in pool", peer.ID)
	}
	p.peers[peer.ID] = peer
	p.cachedPeers.Store(nil)

	p.logger.Info().
		Str("peer_id", peer.ID).
		Str("remote", peer.Remote).
		Str("transport", peer.Transport).
		Msg("peer added to pool")
	return nil
}

// Remove removes a peer from the pool
func (p *PeerPool) Remove(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if peer, exists := p.peers[peerID]; exists {
		delete(p.peers, peerID)
		p.cachedPeers.Store(nil)

		p.logger.Info().
			Str("peer_id", peerID).
			Uint64("frames_sent", peer.FramesSent.Load()).
			Uint64("frames_received", peer.FramesReceived.Load()).
			Dur("duration", time.Since(peer.ConnectedAt)).
			Msg("peer removed from pool")
	}
}

// Get retrieves a specific peer by ID
func (p *PeerPool) Get(peerID string) (*Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peer, exists := p.peers[peerID]
	return peer, exists
}

// List returns the connected peers ordered by connection time. The returned
// slice is shared and must not be modified.
func (p *PeerPool) List() []*Peer {
	// Fast path: cached snapshot
	if peers := p.cachedPeers.Load(); peers != nil {
		return *peers
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check if another goroutine already rebuilt while we waited for the lock
	if peers := p.cachedPeers.Load(); peers != nil {
		return *peers
	}

	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ConnectedAt.Before(peers[j].ConnectedAt)
	})
	p.cachedPeers.Store(&peers)
	return peers
}

// Count returns the number of peers in the pool
func (p *PeerPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// UpdateLastSeen updates the last seen timestamp for a peer
func (p *PeerPool) UpdateLastSeen(peerID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if peer, exists := p.peers[peerID]; exists {
		peer.lastSeen.Store(time.Now().UnixNano())
	}
}
