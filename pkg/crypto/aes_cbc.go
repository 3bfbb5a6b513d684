package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var ErrCiphertext = errors.New("malformed ciphertext")

// AesCbc seals payloads with AES-CBC. Each payload gets its own random IV,
// carried in front of the ciphertext.
type AesCbc struct {
	cipher cipher.Block
}

type AesCbcConfig struct {
	// Key is used as is when it is 16, 24 or 32 bytes long. Any other length
	// is treated as a passphrase and hashed to an AES-256 key.
	Key []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("empty key")
	}

	key := cfg.Key

	switch len(key) {
	case 16, 24, 32:
	default:
		sum := sha256.Sum256(key)
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cipher: block,
	}, nil
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	encrypted := make([]byte, size+len(payload))
	iv := encrypted[:size]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}

	cipher.NewCBCEncrypter(c.cipher, iv).CryptBlocks(encrypted[size:], payload)

	return encrypted, nil
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	if len(payload) < 2*size || len(payload)%size != 0 {
		return nil, ErrCiphertext
	}

	iv, payload := payload[:size], payload[size:]
	decrypted := make([]byte, len(payload))

	cipher.NewCBCDecrypter(c.cipher, iv).CryptBlocks(decrypted, payload)

	return pkcs7pad.Unpad(decrypted)
}
