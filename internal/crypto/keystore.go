package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for the keystore KDF (2^15).
	scryptN = 32768

	// scryptR is the block size parameter.
	scryptR = 8

	// scryptP is the parallelization parameter.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	keystoreVersion = 1
)

// sealedIdentity is the at-rest form of an Identity.
type sealedIdentity struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Box     []byte `json:"box"`
}

// identityRecord is the plaintext sealed inside sealedIdentity.Box.
type identityRecord struct {
	Handle   string `json:"handle"`
	SignSeed []byte `json:"sign_seed"`
	BoxPriv  []byte `json:"box_priv"`
	Card     Card   `json:"card"`
}

// deriveKey derives the keystore key from passphrase and salt. The
// passphrase is NFKC-normalized so the same words typed on different
// keyboards unlock the same key.
func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	k, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	var key [32]byte
	copy(key[:], k)
	zero(k)
	return &key, nil
}

// SealIdentity encrypts id under a passphrase-derived key for storage.
func SealIdentity(id *Identity, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	plain, err := json.Marshal(identityRecord{
		Handle:   id.handle,
		SignSeed: id.signKey.Seed(),
		BoxPriv:  id.boxPriv[:],
		Card:     id.card,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling identity: %w", err)
	}
	defer zero(plain)

	return json.Marshal(sealedIdentity{
		Version: keystoreVersion,
		Salt:    salt,
		Nonce:   nonce[:],
		Box:     secretbox.Seal(nil, plain, &nonce, key),
	})
}

// OpenIdentity reverses SealIdentity. A wrong passphrase yields an error,
// never a partially initialized identity.
func OpenIdentity(data []byte, passphrase string) (*Identity, error) {
	var sealed sealedIdentity
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("decoding keystore: %w", err)
	}
	if sealed.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", sealed.Version)
	}
	if len(sealed.Nonce) != 24 {
		return nil, fmt.Errorf("keystore nonce is %d bytes", len(sealed.Nonce))
	}

	key, err := deriveKey(passphrase, sealed.Salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	var nonce [24]byte
	copy(nonce[:], sealed.Nonce)

	plain, ok := secretbox.Open(nil, sealed.Box, &nonce, key)
	if !ok {
		return nil, fmt.Errorf("unlocking keystore: wrong passphrase or corrupted data")
	}
	defer zero(plain)

	var rec identityRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if len(rec.SignSeed) != ed25519.SeedSize || len(rec.BoxPriv) != 32 {
		return nil, fmt.Errorf("identity record has invalid key sizes")
	}
	if err := rec.Card.Verify(); err != nil {
		return nil, err
	}

	id := &Identity{
		handle:  rec.Handle,
		signKey: ed25519.NewKeyFromSeed(rec.SignSeed),
		card:    rec.Card,
	}
	copy(id.boxPriv[:], rec.BoxPriv)
	copy(id.boxPub[:], rec.Card.BoxKey)
	zero(rec.SignSeed)
	zero(rec.BoxPriv)

	return id, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
