package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// maxSkip bounds how far ahead of the receive chain a message counter
	// may be. Larger gaps are rejected rather than derived.
	maxSkip = 1000

	// maxRecvEpochs is the number of superseded receive chains kept for
	// late messages after the sender rotates.
	maxRecvEpochs = 4

	ratchetInfo = "morse-ratchet-v1"
)

// RatchetHeader travels in clear next to a ratchet ciphertext.
type RatchetHeader struct {
	Ephemeral []byte `json:"eph"`
	N         uint32 `json:"n"`
}

// sendChain is our sending chain toward one peer for one epoch.
type sendChain struct {
	ephPub [32]byte
	key    [32]byte
	n      uint32
}

// recvChain is a peer's sending chain as seen by us.
type recvChain struct {
	key     [32]byte
	n       uint32
	skipped map[uint32][32]byte
}

// ratchetState holds both directions for one peer.
type ratchetState struct {
	send      *sendChain
	recv      map[[32]byte]*recvChain
	recvOrder [][32]byte
}

func newRatchetState() *ratchetState {
	return &ratchetState{recv: make(map[[32]byte]*recvChain)}
}

// chainSeed mixes the ephemeral-static and static-static agreements so
// only the holder of the sender's identity key can start a chain.
func chainSeed(ephShared, staticShared []byte, ephPub [32]byte, sender, recipient string) ([32]byte, error) {
	secret := make([]byte, 0, len(ephShared)+len(staticShared))
	secret = append(secret, ephShared...)
	secret = append(secret, staticShared...)
	defer zero(secret)

	var out [32]byte
	r := hkdf.New(sha256.New, secret, ephPub[:], []byte(ratchetInfo+"|"+sender+"|"+recipient))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("deriving chain seed: %w", err)
	}
	return out, nil
}

// step advances a chain key, returning the message key for the current
// position and the next chain key.
func step(ck [32]byte) (mk, next [32]byte) {
	m := hmac.New(sha256.New, ck[:])
	m.Write([]byte{0x01})
	copy(mk[:], m.Sum(nil))

	m = hmac.New(sha256.New, ck[:])
	m.Write([]byte{0x02})
	copy(next[:], m.Sum(nil))
	return mk, next
}

// newSendChain starts a fresh epoch toward peerBox. The ephemeral private
// key is discarded once the seed is derived.
func newSendChain(myBoxPriv, peerBox *[32]byte, sender, recipient string) (*sendChain, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer zero(ephPriv[:])

	ephPubSlice, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	var ephPub [32]byte
	copy(ephPub[:], ephPubSlice)

	ephShared, err := curve25519.X25519(ephPriv[:], peerBox[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral agreement: %w", err)
	}
	defer zero(ephShared)

	staticShared, err := curve25519.X25519(myBoxPriv[:], peerBox[:])
	if err != nil {
		return nil, fmt.Errorf("static agreement: %w", err)
	}
	defer zero(staticShared)

	seed, err := chainSeed(ephShared, staticShared, ephPub, sender, recipient)
	if err != nil {
		return nil, err
	}
	return &sendChain{ephPub: ephPub, key: seed}, nil
}

// seal encrypts plaintext at the chain's current position and advances it.
func (c *sendChain) seal(plaintext []byte) (RatchetHeader, []byte, []byte, error) {
	mk, next := step(c.key)
	defer zero(mk[:])

	hdr := RatchetHeader{Ephemeral: append([]byte(nil), c.ephPub[:]...), N: c.n}

	aead, err := chacha20poly1305.NewX(mk[:])
	if err != nil {
		return RatchetHeader{}, nil, nil, fmt.Errorf("creating message cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return RatchetHeader{}, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	body := aead.Seal(nil, nonce, plaintext, headerAD(hdr))
	c.key = next
	c.n++
	return hdr, nonce, body, nil
}

func headerAD(h RatchetHeader) []byte {
	ad := make([]byte, 0, len(h.Ephemeral)+4)
	ad = append(ad, h.Ephemeral...)
	return binary.BigEndian.AppendUint32(ad, h.N)
}

// recvChainFor returns the receive chain for an ephemeral key, deriving a
// fresh one on first sight. A fresh chain is not registered until a
// message on it authenticates; see addRecv.
func (r *ratchetState) recvChainFor(myBoxPriv, senderBox *[32]byte, eph [32]byte, sender, recipient string) (*recvChain, bool, error) {
	if c, ok := r.recv[eph]; ok {
		return c, false, nil
	}

	ephShared, err := curve25519.X25519(myBoxPriv[:], eph[:])
	if err != nil {
		return nil, false, fmt.Errorf("ephemeral agreement: %w", err)
	}
	defer zero(ephShared)

	staticShared, err := curve25519.X25519(myBoxPriv[:], senderBox[:])
	if err != nil {
		return nil, false, fmt.Errorf("static agreement: %w", err)
	}
	defer zero(staticShared)

	seed, err := chainSeed(ephShared, staticShared, eph, sender, recipient)
	if err != nil {
		return nil, false, err
	}
	return &recvChain{key: seed, skipped: make(map[uint32][32]byte)}, true, nil
}

// addRecv registers a receive chain, evicting the oldest epoch beyond
// maxRecvEpochs.
func (r *ratchetState) addRecv(eph [32]byte, c *recvChain) {
	r.recv[eph] = c
	r.recvOrder = append(r.recvOrder, eph)
	if len(r.recvOrder) > maxRecvEpochs {
		oldest := r.recvOrder[0]
		r.recvOrder = r.recvOrder[1:]
		if old, ok := r.recv[oldest]; ok {
			zero(old.key[:])
			delete(r.recv, oldest)
		}
	}
}

// open decrypts a message at position hdr.N. The chain only advances when
// authentication succeeds, so a forged message cannot desynchronize it.
func (c *recvChain) open(hdr RatchetHeader, nonce, body []byte) ([]byte, error) {
	var (
		mk          [32]byte
		nextKey     = c.key
		newSkipped  map[uint32][32]byte
		fromSkipped bool
	)

	switch {
	case hdr.N < c.n:
		k, ok := c.skipped[hdr.N]
		if !ok {
			return nil, fmt.Errorf("message %d already consumed", hdr.N)
		}
		mk = k
		fromSkipped = true

	default:
		if hdr.N-c.n > maxSkip {
			return nil, fmt.Errorf("message %d too far ahead of chain at %d", hdr.N, c.n)
		}
		newSkipped = make(map[uint32][32]byte)
		for i := c.n; i < hdr.N; i++ {
			var k [32]byte
			k, nextKey = step(nextKey)
			newSkipped[i] = k
		}
		mk, nextKey = step(nextKey)
	}
	defer zero(mk[:])

	aead, err := chacha20poly1305.NewX(mk[:])
	if err != nil {
		return nil, fmt.Errorf("creating message cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, body, headerAD(hdr))
	if err != nil {
		return nil, fmt.Errorf("opening ratchet message: %w", err)
	}

	if fromSkipped {
		delete(c.skipped, hdr.N)
		return plaintext, nil
	}

	for i, k := range newSkipped {
		if len(c.skipped) >= maxSkip {
			break
		}
		c.skipped[i] = k
	}
	c.key = nextKey
	c.n = hdr.N + 1
	return plaintext, nil
}

func (r *ratchetState) wipe() {
	if r.send != nil {
		zero(r.send.key[:])
	}
	for _, c := range r.recv {
		zero(c.key[:])
		for i, k := range c.skipped {
			zero(k[:])
			delete(c.skipped, i)
		}
	}
}
