package crypto

import (
	"sync"
	"time"
)

// PeerCard is a cached remote card with the time it was fetched.
type PeerCard struct {
	Card
	FetchedAt time.Time
}

// peerCache holds verified peer cards for a bounded time. Channels look
// peers up by handle; nothing holds a PeerCard beyond a single call.
type peerCache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cards map[string]PeerCard
}

func newPeerCache(ttl time.Duration, now func() time.Time) *peerCache {
	return &peerCache{ttl: ttl, now: now, cards: make(map[string]PeerCard)}
}

func (c *peerCache) get(handle string) (PeerCard, bool) {
	c.mu.RLock()
	pc, ok := c.cards[handle]
	c.mu.RUnlock()
	if !ok {
		return PeerCard{}, false
	}
	if c.ttl > 0 && c.now().Sub(pc.FetchedAt) > c.ttl {
		return PeerCard{}, false
	}
	return pc, true
}

func (c *peerCache) put(card Card) PeerCard {
	pc := PeerCard{Card: card, FetchedAt: c.now()}
	c.mu.Lock()
	c.cards[card.Handle] = pc
	c.mu.Unlock()
	return pc
}

func (c *peerCache) invalidate(handle string) {
	c.mu.Lock()
	delete(c.cards, handle)
	c.mu.Unlock()
}

func (c *peerCache) clear() {
	c.mu.Lock()
	c.cards = make(map[string]PeerCard)
	c.mu.Unlock()
}
