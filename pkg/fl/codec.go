package fl

import (
	"fmt"

	"github.com/absmach/dpsgd/pkg/crypto"
	"github.com/fxamacker/cbor/v2"
)

// Codec encodes federation messages as CBOR, sealing them with AES-GCM when a
// workload key is configured.
type Codec struct {
	key []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if key != nil && len(key) != crypto.KeySize {
		return nil, fmt.Errorf("workload key must be %d bytes, got %d", crypto.KeySize, len(key))
	}

	return &Codec{key: key}, nil
}

func (c *Codec) Encrypted() bool {
	return c.key != nil
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR message: %w", err)
	}
	if c.key == nil {
		return data, nil
	}

	sealed, err := crypto.Encrypt(data, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	return sealed, nil
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	if c.key != nil {
		plain, err := crypto.Decrypt(data, c.key)
		if err != nil {
			return fmt.Errorf("failed to decrypt message: %w", err)
		}
		data = plain
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode CBOR message: %w", err)
	}

	return nil
}
