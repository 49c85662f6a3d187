// Package crypto owns the local identity keys, the cache of peer cards,
// and every encrypt/decrypt primitive used for messages and media.
// Private key material never leaves this package.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/text/unicode/norm"
)

// maxHandleLen bounds handles so they fit in a JID localpart.
const maxHandleLen = 64

// NormalizeHandle folds a handle to its canonical form (NFKC, lower case,
// trimmed) and rejects characters that cannot appear in a JID localpart.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(norm.NFKC.String(handle)))
	if h == "" {
		return "", fmt.Errorf("empty handle")
	}
	if len(h) > maxHandleLen {
		return "", fmt.Errorf("handle longer than %d bytes", maxHandleLen)
	}
	if strings.ContainsAny(h, "\"&'/:<>@. \t\r\n") {
		return "", fmt.Errorf("handle %q contains reserved characters", h)
	}
	return h, nil
}

// Card is the signed public identity of a handle.
type Card struct {
	Handle     string `json:"handle"`
	SigningKey []byte `json:"signing_key"`
	BoxKey     []byte `json:"box_key"`
	CreatedAt  int64  `json:"created_at"`
	Signature  []byte `json:"signature"`
}

// signedBytes is the canonical byte string covered by the signature.
func (c Card) signedBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("morse-card-v1\x00")
	buf.WriteString(c.Handle)
	buf.WriteByte(0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.CreatedAt))
	buf.Write(ts[:])
	buf.Write(c.SigningKey)
	buf.Write(c.BoxKey)
	return buf.Bytes()
}

// Verify checks key sizes and the self-signature.
func (c Card) Verify() error {
	if len(c.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key is %d bytes", apperrors.ErrInvalidCard, len(c.SigningKey))
	}
	if len(c.BoxKey) != 32 {
		return fmt.Errorf("%w: box key is %d bytes", apperrors.ErrInvalidCard, len(c.BoxKey))
	}
	if !ed25519.Verify(ed25519.PublicKey(c.SigningKey), c.signedBytes(), c.Signature) {
		return fmt.Errorf("%w: bad signature for %q", apperrors.ErrInvalidCard, c.Handle)
	}
	return nil
}

// Marshal serializes the card for storage or publication.
func (c Card) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// ParseCard decodes and verifies a serialized card.
func ParseCard(data []byte) (Card, error) {
	var c Card
	if err := json.Unmarshal(data, &c); err != nil {
		return Card{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidCard, err)
	}
	if err := c.Verify(); err != nil {
		return Card{}, err
	}
	return c, nil
}

func (c Card) boxKey() *[32]byte {
	var k [32]byte
	copy(k[:], c.BoxKey)
	return &k
}

// Identity is the local user's long-term key material. It exposes
// signing and key agreement through methods only.
type Identity struct {
	handle  string
	signKey ed25519.PrivateKey
	boxPub  [32]byte
	boxPriv [32]byte
	card    Card
}

// NewIdentity generates fresh keys for handle and self-signs its card.
func NewIdentity(handle string) (*Identity, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating box key: %w", err)
	}

	id := &Identity{handle: h, signKey: signPriv, boxPub: *boxPub, boxPriv: *boxPriv}
	id.card = Card{
		Handle:     h,
		SigningKey: []byte(signPub),
		BoxKey:     boxPub[:],
		CreatedAt:  time.Now().Unix(),
	}
	id.card.Signature = ed25519.Sign(signPriv, id.card.signedBytes())

	return id, nil
}

// Handle returns the normalized handle.
func (id *Identity) Handle() string { return id.handle }

// Card returns the signed public card.
func (id *Identity) Card() Card { return id.card }

// AuthHeader returns the bearer header used to request tokens from the
// directory service: "Bearer <handle>.<unix>.<base64 signature>".
func (id *Identity) AuthHeader(now time.Time) string {
	payload := id.handle + "." + strconv.FormatInt(now.Unix(), 10)
	sig := ed25519.Sign(id.signKey, []byte(payload))
	return "Bearer " + payload + "." + base64.StdEncoding.EncodeToString(sig)
}

// VerifyAuthHeader checks a header produced by AuthHeader against the
// signer's card. Timestamps further than maxSkew from now are rejected.
func VerifyAuthHeader(card Card, header string, now time.Time, maxSkew time.Duration) error {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("missing bearer prefix")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("expected identity.timestamp.signature")
	}
	if parts[0] != card.Handle {
		return fmt.Errorf("header identity %q does not match card %q", parts[0], card.Handle)
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing timestamp: %w", err)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
		return fmt.Errorf("timestamp outside allowed skew")
	}

	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(card.SigningKey), []byte(parts[0]+"."+parts[1]), sig) {
		return fmt.Errorf("bad signature")
	}
	return nil
}

// Wipe zeroes the private key material. The identity is unusable after.
func (id *Identity) Wipe() {
	zero(id.signKey)
	zero(id.boxPriv[:])
}
