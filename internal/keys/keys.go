// Package keys derives per-file key material from a mnemonic.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/internxt/drive-web-sub008/pkg/models"
)

const (
	seedIterations = 2048
	seedLen        = 64
	nameNonceLen   = 32
	gcmTagLen      = 16
)

// bucketMetaMagic separates the filename key from the file key of the same bucket.
var bucketMetaMagic = []byte("drive/bucket-meta/filename-key/v1")

// ErrInvalidName is returned when an encrypted filename cannot be opened.
var ErrInvalidName = errors.New("keys: invalid encrypted filename")

// Deriver turns a mnemonic into the symmetric key of one file.
type Deriver interface {
	FileKey(ctx context.Context, mnemonic, bucketID string, index []byte) ([]byte, error)
}

// Mnemonic is the default Deriver.
type Mnemonic struct{}

// FileKey returns SHA-512(SHA-512(seed ‖ bucket)[:32] ‖ index)[:32].
func (Mnemonic) FileKey(ctx context.Context, mnemonic, bucketID string, index []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucketKey, err := BucketKey(mnemonic, bucketID)
	if err != nil {
		return nil, err
	}
	return deterministic(bucketKey[:32], index)[:models.KeySize], nil
}

// Seed expands a mnemonic into its 64-byte seed.
func Seed(mnemonic string) []byte {
	words := strings.Join(strings.Fields(mnemonic), " ")
	return pbkdf2.Key([]byte(words), []byte("mnemonic"), seedIterations, seedLen, sha512.New)
}

// BucketKey returns the 64-byte key shared by every file of a bucket.
func BucketKey(mnemonic, bucketID string) ([]byte, error) {
	if strings.TrimSpace(mnemonic) == "" {
		return nil, errors.New("keys: empty mnemonic")
	}
	bucket, err := hex.DecodeString(bucketID)
	if err != nil {
		return nil, fmt.Errorf("keys: bucket id is not hex: %w", err)
	}
	return deterministic(Seed(mnemonic), bucket), nil
}

func deterministic(key, data []byte) []byte {
	h := sha512.New()
	h.Write(key)
	h.Write(data)
	return h.Sum(nil)
}

// NewIndex returns a fresh random file index.
func NewIndex() ([]byte, error) {
	index := make([]byte, models.IndexSize)
	if _, err := rand.Read(index); err != nil {
		return nil, fmt.Errorf("keys: generate index: %w", err)
	}
	return index, nil
}

// RandomName returns a fresh random plaintext filename.
func RandomName() string {
	return uuid.NewString()
}

func nameCipher(mnemonic, bucketID string) (cipher.AEAD, []byte, error) {
	bucketKey, err := BucketKey(mnemonic, bucketID)
	if err != nil {
		return nil, nil, err
	}
	key := deterministic(bucketKey[:32], bucketMetaMagic)[:32]
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nameNonceLen)
	if err != nil {
		return nil, nil, err
	}
	return gcm, bucketKey, nil
}

// EncryptFilename seals name for the bucket. The nonce is derived from the
// name, so the same name always seals to the same value.
func EncryptFilename(mnemonic, bucketID, name string) (string, error) {
	gcm, bucketKey, err := nameCipher(mnemonic, bucketID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, bucketKey)
	mac.Write([]byte(name))
	nonce := mac.Sum(nil)[:nameNonceLen]

	sealed := gcm.Seal(nil, nonce, []byte(name), nil)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	out := make([]byte, 0, gcmTagLen+nameNonceLen+len(ct))
	out = append(out, tag...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptFilename opens a value produced by EncryptFilename.
func DecryptFilename(mnemonic, bucketID, encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil || len(raw) < gcmTagLen+nameNonceLen {
		return "", ErrInvalidName
	}
	gcm, _, err := nameCipher(mnemonic, bucketID)
	if err != nil {
		return "", err
	}
	tag, nonce, ct := raw[:gcmTagLen], raw[gcmTagLen:gcmTagLen+nameNonceLen], raw[gcmTagLen+nameNonceLen:]
	sealed := append(append([]byte{}, ct...), tag...)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidName
	}
	return string(plain), nil
}
