package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// groupKey is a shared symmetric key for one group membership.
type groupKey struct {
	id  []byte
	key [32]byte
}

func newGroupKey() (*groupKey, error) {
	g := &groupKey{id: make([]byte, 16)}
	if _, err := rand.Read(g.id); err != nil {
		return nil, fmt.Errorf("generating group key id: %w", err)
	}
	if _, err := rand.Read(g.key[:]); err != nil {
		return nil, fmt.Errorf("generating group key: %w", err)
	}
	return g, nil
}

// membershipDigest names a membership independent of member order. Any
// change to the member set yields a different digest and so a new key.
func membershipDigest(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// seal encrypts plaintext under the group key, authenticating the key id.
func (g *groupKey) seal(plaintext []byte) (nonce, body []byte, err error) {
	aead, err := chacha20poly1305.NewX(g.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("creating group cipher: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, g.id), nil
}

func (g *groupKey) open(nonce, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(g.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating group cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, body, g.id)
	if err != nil {
		return nil, fmt.Errorf("opening group message: %w", err)
	}
	return plaintext, nil
}

// wrapFor seals the group key to one member. The wrap is the box nonce
// followed by the box.
func (g *groupKey) wrapFor(peerBox, myBoxPriv *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating wrap nonce: %w", err)
	}
	msg := append(append([]byte(nil), g.id...), g.key[:]...)
	defer zero(msg)
	return box.Seal(nonce[:], msg, &nonce, peerBox, myBoxPriv), nil
}

func unwrapGroupKey(wrap []byte, senderBox, myBoxPriv *[32]byte, wantID []byte) (*groupKey, error) {
	if len(wrap) < 24+box.Overhead {
		return nil, fmt.Errorf("group key wrap too short")
	}
	var nonce [24]byte
	copy(nonce[:], wrap[:24])

	msg, ok := box.Open(nil, wrap[24:], &nonce, senderBox, myBoxPriv)
	if !ok {
		return nil, fmt.Errorf("opening group key wrap")
	}
	defer zero(msg)

	if len(msg) != len(wantID)+32 || string(msg[:len(wantID)]) != string(wantID) {
		return nil, fmt.Errorf("group key wrap does not match key id")
	}
	g := &groupKey{id: append([]byte(nil), wantID...)}
	copy(g.key[:], msg[len(wantID):])
	return g, nil
}

func (g *groupKey) wipe() { zero(g.key[:]) }
