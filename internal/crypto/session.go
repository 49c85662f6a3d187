package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/singleflight"
)

// Directory resolves handles to published cards.
type Directory interface {
	FindCard(ctx context.Context, handle string) (Card, error)
}

// Options tunes a Session.
type Options struct {
	// CacheTTL bounds how long a fetched card is trusted. Zero caches
	// until invalidated.
	CacheTTL time.Duration

	// RotateEvery starts a new sending epoch after this many ratchet
	// messages to one peer. Zero disables automatic rotation.
	RotateEvery uint32

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Session is the per-account crypto state: identity, peer card cache,
// ratchets and group keys. It is safe for concurrent use.
type Session struct {
	id     *Identity
	dir    Directory
	opts   Options
	logger *slog.Logger

	cache   *peerCache
	lookups singleflight.Group

	mu         sync.Mutex
	ratchets   map[string]*ratchetState
	sendGroups map[string]*groupKey
	recvGroups map[string]*groupKey
	wiped      bool
}

// NewSession creates a Session for id, resolving peers through dir.
func NewSession(id *Identity, dir Directory, opts Options, logger *slog.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		id:         id,
		dir:        dir,
		opts:       opts,
		logger:     logger.With(slog.String("component", "crypto")),
		cache:      newPeerCache(opts.CacheTTL, opts.Now),
		ratchets:   make(map[string]*ratchetState),
		sendGroups: make(map[string]*groupKey),
		recvGroups: make(map[string]*groupKey),
	}
}

// Identity returns the session's identity.
func (s *Session) Identity() *Identity { return s.id }

// LookupPeer returns a verified card for handle, from cache when fresh.
// Concurrent lookups of the same handle share one directory request.
func (s *Session) LookupPeer(ctx context.Context, handle string) (PeerCard, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return PeerCard{}, fmt.Errorf("%w: %v", apperrors.ErrPeerNotFound, err)
	}

	if h == s.id.Handle() {
		return PeerCard{Card: s.id.Card(), FetchedAt: s.opts.Now()}, nil
	}
	if pc, ok := s.cache.get(h); ok {
		return pc, nil
	}

	v, err, _ := s.lookups.Do(h, func() (any, error) {
		card, err := s.dir.FindCard(ctx, h)
		if err != nil {
			return nil, err
		}
		if card.Handle != h {
			return nil, fmt.Errorf("%w: directory returned card for %q", apperrors.ErrInvalidCard, card.Handle)
		}
		if err := card.Verify(); err != nil {
			return nil, err
		}
		return s.cache.put(card), nil
	})
	if err != nil {
		return PeerCard{}, fmt.Errorf("looking up %q: %w", h, err)
	}

	s.logger.Debug("peer card fetched", slog.String("handle", h))
	return v.(PeerCard), nil
}

// InvalidatePeer drops a cached card so the next lookup refetches it.
func (s *Session) InvalidatePeer(handle string) {
	if h, err := NormalizeHandle(handle); err == nil {
		s.cache.invalidate(h)
	}
}

// EncryptFor encrypts plaintext for peers. A single peer uses the ratchet
// when one is established and a one-shot box otherwise. Several peers
// share a group key wrapped for each member.
func (s *Session) EncryptFor(ctx context.Context, peers []string, plaintext []byte) ([]byte, error) {
	handles, err := s.normalizePeers(peers)
	if err != nil {
		return nil, err
	}

	cards := make([]PeerCard, 0, len(handles))
	for _, h := range handles {
		pc, err := s.LookupPeer(ctx, h)
		if err != nil {
			return nil, err
		}
		cards = append(cards, pc)
	}

	var ct Ciphertext
	if len(cards) == 1 {
		ct, err = s.encryptSingle(cards[0].Card, plaintext)
	} else {
		ct, err = s.encryptGroup(cards, plaintext)
	}
	if err != nil {
		return nil, err
	}
	return ct.marshal()
}

func (s *Session) normalizePeers(peers []string) ([]string, error) {
	seen := make(map[string]bool, len(peers))
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		h, err := NormalizeHandle(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrPeerNotFound, err)
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	sort.Strings(out)
	return out, nil
}

func (s *Session) encryptSingle(peer Card, plaintext []byte) (Ciphertext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return Ciphertext{}, apperrors.ErrLoggedOut
	}

	if st, ok := s.ratchets[peer.Handle]; ok && st.send != nil {
		if s.opts.RotateEvery > 0 && st.send.n >= s.opts.RotateEvery {
			chain, err := newSendChain(&s.id.boxPriv, peer.boxKey(), s.id.handle, peer.Handle)
			if err != nil {
				return Ciphertext{}, err
			}
			zero(st.send.key[:])
			st.send = chain
			s.logger.Debug("ratchet rotated", slog.String("peer", peer.Handle))
		}

		hdr, nonce, body, err := st.send.seal(plaintext)
		if err != nil {
			return Ciphertext{}, err
		}
		return Ciphertext{Mode: ModeRatchet, Nonce: nonce, Body: body, Ratchet: &hdr}, nil
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Ciphertext{}, fmt.Errorf("generating nonce: %w", err)
	}
	body := box.Seal(nil, plaintext, &nonce, peer.boxKey(), &s.id.boxPriv)
	return Ciphertext{Mode: ModeBox, Nonce: nonce[:], Body: body}, nil
}

func (s *Session) encryptGroup(cards []PeerCard, plaintext []byte) (Ciphertext, error) {
	members := make([]string, 0, len(cards)+1)
	members = append(members, s.id.handle)
	for _, c := range cards {
		if c.Handle != s.id.handle {
			members = append(members, c.Handle)
		}
	}
	digest := membershipDigest(members)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return Ciphertext{}, apperrors.ErrLoggedOut
	}

	g, ok := s.sendGroups[digest]
	if !ok {
		var err error
		if g, err = newGroupKey(); err != nil {
			return Ciphertext{}, err
		}
		s.sendGroups[digest] = g
		s.logger.Debug("group key created", slog.Int("members", len(members)))
	}

	wraps := make(map[string][]byte, len(cards))
	for _, c := range cards {
		w, err := g.wrapFor(c.boxKey(), &s.id.boxPriv)
		if err != nil {
			return Ciphertext{}, err
		}
		wraps[c.Handle] = w
	}

	nonce, body, err := g.seal(plaintext)
	if err != nil {
		return Ciphertext{}, err
	}
	return Ciphertext{
		Mode:  ModeGroup,
		Nonce: nonce,
		Body:  body,
		Group: &GroupHeader{KeyID: append([]byte(nil), g.id...), Wraps: wraps},
	}, nil
}

// DecryptFrom decrypts data sent by peer. Every failure wraps
// apperrors.ErrDecrypt; callers substitute a placeholder.
func (s *Session) DecryptFrom(ctx context.Context, peer string, data []byte) ([]byte, error) {
	ct, err := parseCiphertext(data)
	if err != nil {
		return nil, err
	}

	pc, err := s.LookupPeer(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecrypt, err)
	}

	var plaintext []byte
	switch ct.Mode {
	case ModeBox:
		plaintext, err = s.openBox(pc.Card, ct)
	case ModeRatchet:
		plaintext, err = s.openRatchet(pc.Card, ct)
	case ModeGroup:
		plaintext, err = s.openGroup(pc.Card, ct)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s from %q: %v", apperrors.ErrDecrypt, ct.Mode, pc.Handle, err)
	}
	return plaintext, nil
}

func (s *Session) openBox(peer Card, ct Ciphertext) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil, apperrors.ErrLoggedOut
	}

	var nonce [24]byte
	copy(nonce[:], ct.Nonce)
	plaintext, ok := box.Open(nil, ct.Body, &nonce, peer.boxKey(), &s.id.boxPriv)
	if !ok {
		return nil, fmt.Errorf("box authentication failed")
	}
	return plaintext, nil
}

func (s *Session) openRatchet(peer Card, ct Ciphertext) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil, apperrors.ErrLoggedOut
	}

	st, ok := s.ratchets[peer.Handle]
	if !ok {
		st = newRatchetState()
	}

	var eph [32]byte
	copy(eph[:], ct.Ratchet.Ephemeral)

	chain, fresh, err := st.recvChainFor(&s.id.boxPriv, peer.boxKey(), eph, peer.Handle, s.id.handle)
	if err != nil {
		return nil, err
	}
	plaintext, err := chain.open(*ct.Ratchet, ct.Nonce, ct.Body)
	if err != nil {
		return nil, err
	}

	if fresh {
		st.addRecv(eph, chain)
		s.ratchets[peer.Handle] = st
		s.logger.Debug("ratchet epoch accepted", slog.String("peer", peer.Handle))
	}
	return plaintext, nil
}

func (s *Session) openGroup(peer Card, ct Ciphertext) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil, apperrors.ErrLoggedOut
	}

	cacheKey := peer.Handle + "/" + hex.EncodeToString(ct.Group.KeyID)
	g, ok := s.recvGroups[cacheKey]
	if !ok {
		wrap, found := ct.Group.Wraps[s.id.handle]
		if !found {
			return nil, fmt.Errorf("no group key wrapped for %q", s.id.handle)
		}
		var err error
		if g, err = unwrapGroupKey(wrap, peer.boxKey(), &s.id.boxPriv, ct.Group.KeyID); err != nil {
			return nil, err
		}
	}

	plaintext, err := g.open(ct.Nonce, ct.Body)
	if err != nil {
		return nil, err
	}
	s.recvGroups[cacheKey] = g
	return plaintext, nil
}

// RotateSession starts a new ratchet sending epoch toward peer. The first
// call establishes the ratchet; until then messages use one-shot boxes.
func (s *Session) RotateSession(ctx context.Context, peer string) error {
	pc, err := s.LookupPeer(ctx, peer)
	if err != nil {
		return err
	}

	chain, err := newSendChain(&s.id.boxPriv, pc.boxKey(), s.id.handle, pc.Handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return apperrors.ErrLoggedOut
	}

	st, ok := s.ratchets[pc.Handle]
	if !ok {
		st = newRatchetState()
		s.ratchets[pc.Handle] = st
	}
	if st.send != nil {
		zero(st.send.key[:])
	}
	st.send = chain

	s.logger.Info("ratchet session rotated", slog.String("peer", pc.Handle))
	return nil
}

// HasRatchet reports whether a sending ratchet is established with peer.
func (s *Session) HasRatchet(peer string) bool {
	h, err := NormalizeHandle(peer)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ratchets[h]
	return ok && st.send != nil
}

// RekeyGroup discards the sending key for a membership so the next group
// message carries a fresh key. members excludes the local handle.
func (s *Session) RekeyGroup(members []string) error {
	handles, err := s.normalizePeers(members)
	if err != nil {
		return err
	}
	all := append([]string{s.id.handle}, handles...)
	digest := membershipDigest(dedupe(all))

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.sendGroups[digest]; ok {
		g.wipe()
		delete(s.sendGroups, digest)
		s.logger.Info("group rekeyed", slog.Int("members", len(all)))
	}
	return nil
}

// Wipe discards all session state and the identity's private keys.
func (s *Session) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}

	for h, st := range s.ratchets {
		st.wipe()
		delete(s.ratchets, h)
	}
	for k, g := range s.sendGroups {
		g.wipe()
		delete(s.sendGroups, k)
	}
	for k, g := range s.recvGroups {
		g.wipe()
		delete(s.recvGroups, k)
	}
	s.cache.clear()
	s.id.Wipe()
	s.wiped = true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
