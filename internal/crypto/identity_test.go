package crypto

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHandle(t *testing.T) {
	h, err := NormalizeHandle("  Alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", h)

	// Fullwidth letters fold to ASCII under NFKC.
	h, err = NormalizeHandle("ＢＯＢ")
	require.NoError(t, err)
	assert.Equal(t, "bob", h)

	for _, bad := range []string{"", "   ", "a@b", "a.b", "a/b", strings.Repeat("x", 65)} {
		_, err := NormalizeHandle(bad)
		assert.Error(t, err, "handle %q", bad)
	}
}

func TestNewIdentity_CardVerifies(t *testing.T) {
	id, err := NewIdentity("Alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", id.Handle())
	card := id.Card()
	assert.Equal(t, "alice", card.Handle)
	require.NoError(t, card.Verify())

	data, err := card.Marshal()
	require.NoError(t, err)
	parsed, err := ParseCard(data)
	require.NoError(t, err)
	assert.Equal(t, card, parsed)
}

func TestCard_VerifyRejectsTampering(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	card := id.Card()
	card.Handle = "mallory"
	assert.ErrorIs(t, card.Verify(), apperrors.ErrInvalidCard)

	card = id.Card()
	card.BoxKey = append([]byte(nil), card.BoxKey...)
	card.BoxKey[0] ^= 0xff
	assert.ErrorIs(t, card.Verify(), apperrors.ErrInvalidCard)

	card = id.Card()
	card.SigningKey = card.SigningKey[:10]
	assert.ErrorIs(t, card.Verify(), apperrors.ErrInvalidCard)
}

func TestParseCard_Garbage(t *testing.T) {
	_, err := ParseCard([]byte("{"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidCard)
}

func TestAuthHeader_RoundTrip(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	header := id.AuthHeader(now)
	assert.True(t, strings.HasPrefix(header, "Bearer alice.1700000000."))

	require.NoError(t, VerifyAuthHeader(id.Card(), header, now.Add(30*time.Second), time.Minute))
}

func TestAuthHeader_Rejections(t *testing.T) {
	alice, err := NewIdentity("alice")
	require.NoError(t, err)
	bob, err := NewIdentity("bob")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	header := alice.AuthHeader(now)

	assert.Error(t, VerifyAuthHeader(alice.Card(), header, now.Add(2*time.Minute), time.Minute), "stale")
	assert.Error(t, VerifyAuthHeader(bob.Card(), header, now, time.Minute), "wrong identity")
	assert.Error(t, VerifyAuthHeader(alice.Card(), strings.TrimPrefix(header, "Bearer "), now, time.Minute), "no prefix")

	forged := strings.Replace(header, "1700000000", "1700000001", 1)
	assert.Error(t, VerifyAuthHeader(alice.Card(), forged, now, time.Minute), "forged timestamp")
}

func TestSealOpenIdentity(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	blob, err := SealIdentity(id, "correct horse")
	require.NoError(t, err)

	got, err := OpenIdentity(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id.Handle(), got.Handle())
	assert.Equal(t, id.Card(), got.Card())
	assert.Equal(t, id.boxPriv, got.boxPriv)

	now := time.Now()
	require.NoError(t, VerifyAuthHeader(id.Card(), got.AuthHeader(now), now, time.Minute))
}

func TestOpenIdentity_WrongPassphrase(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	blob, err := SealIdentity(id, "right")
	require.NoError(t, err)

	got, err := OpenIdentity(blob, "wrong")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestSealIdentity_EmptyPassphrase(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	_, err = SealIdentity(id, "")
	assert.Error(t, err)
}

func TestIdentity_Wipe(t *testing.T) {
	id, err := NewIdentity("alice")
	require.NoError(t, err)

	id.Wipe()
	assert.Equal(t, [32]byte{}, id.boxPriv)
	for _, b := range id.signKey {
		require.Zero(t, b)
	}
}

func TestBlob_RoundTrip(t *testing.T) {
	plaintext := []byte("jpeg bytes")

	ct, secret, err := SealBlob(plaintext)
	require.NoError(t, err)
	assert.Len(t, secret, SecretSize)
	assert.NotEqual(t, plaintext, ct)

	got, err := OpenBlob(ct, secret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestBlob_WrongSecret(t *testing.T) {
	ct, secret, err := SealBlob([]byte("voice"))
	require.NoError(t, err)

	other := append(Secret(nil), secret...)
	other[0] ^= 1
	_, err = OpenBlob(ct, other)
	assert.ErrorIs(t, err, apperrors.ErrDecrypt)

	_, err = OpenBlob(ct, secret[:10])
	assert.ErrorIs(t, err, apperrors.ErrDecrypt)
}
