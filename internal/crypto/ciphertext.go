package crypto

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
)

// Ciphertext modes.
const (
	ModeBox     = "box"
	ModeRatchet = "ratchet"
	ModeGroup   = "group"
)

// Ciphertext is the encrypted form of one message plaintext. It is what
// EncryptFor returns and DecryptFrom consumes, serialized as JSON.
type Ciphertext struct {
	Mode    string         `json:"mode"`
	Nonce   []byte         `json:"nonce"`
	Body    []byte         `json:"body"`
	Ratchet *RatchetHeader `json:"ratchet,omitempty"`
	Group   *GroupHeader   `json:"group,omitempty"`
}

// GroupHeader identifies the group key and carries it wrapped for each
// member with nacl box.
type GroupHeader struct {
	KeyID []byte            `json:"key_id"`
	Wraps map[string][]byte `json:"wraps"`
}

func (c Ciphertext) marshal() ([]byte, error) {
	return json.Marshal(c)
}

func parseCiphertext(data []byte) (Ciphertext, error) {
	var c Ciphertext
	if err := json.Unmarshal(data, &c); err != nil {
		return Ciphertext{}, fmt.Errorf("%w: decoding ciphertext: %v", apperrors.ErrDecrypt, err)
	}

	switch c.Mode {
	case ModeBox:
		if len(c.Nonce) != 24 {
			return Ciphertext{}, fmt.Errorf("%w: box nonce is %d bytes", apperrors.ErrDecrypt, len(c.Nonce))
		}
	case ModeRatchet:
		if c.Ratchet == nil || len(c.Ratchet.Ephemeral) != 32 {
			return Ciphertext{}, fmt.Errorf("%w: missing ratchet header", apperrors.ErrDecrypt)
		}
	case ModeGroup:
		if c.Group == nil || len(c.Group.KeyID) == 0 {
			return Ciphertext{}, fmt.Errorf("%w: missing group header", apperrors.ErrDecrypt)
		}
	default:
		return Ciphertext{}, fmt.Errorf("%w: unknown mode %q", apperrors.ErrDecrypt, c.Mode)
	}
	return c, nil
}
