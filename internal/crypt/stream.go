// Package crypt implements the AES-256-CTR streaming transform applied to
// file content on upload and download.
package crypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/ripemd160"

	"github.com/internxt/drive-web-sub008/pkg/models"
)

var (
	// ErrCanceled is returned by a transform once its context is done.
	ErrCanceled = errors.New("crypt: transform canceled")
	// ErrNotFinished is returned when a fingerprint is requested before the source is drained.
	ErrNotFinished = errors.New("crypt: source not fully consumed")
)

// Opener lazily opens one upstream source. It is called only when the
// previous source is exhausted.
type Opener func(ctx context.Context) (io.ReadCloser, error)

func newStream(key, iv []byte) (cipher.Stream, error) {
	if len(key) != models.KeySize {
		return nil, fmt.Errorf("crypt: key is %d bytes, want %d", len(key), models.KeySize)
	}
	if len(iv) != models.IVSize {
		return nil, fmt.Errorf("crypt: iv is %d bytes, want %d", len(iv), models.IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}

// DecryptReader decrypts the logical concatenation of several sources, in order.
type DecryptReader struct {
	ctx     context.Context
	stream  cipher.Stream
	openers []Opener
	next    int
	cur     io.ReadCloser
	err     error
}

// NewDecryptReader returns a reader yielding the plaintext of the given
// ciphertext sources. Nothing is opened until the first Read.
func NewDecryptReader(ctx context.Context, key, iv []byte, openers ...Opener) (*DecryptReader, error) {
	stream, err := newStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &DecryptReader{ctx: ctx, stream: stream, openers: openers}, nil
}

// Read pulls the next chunk from the current source and decrypts it in place.
func (d *DecryptReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	for {
		if d.ctx.Err() != nil {
			d.fail(ErrCanceled)
			return 0, d.err
		}
		if d.cur == nil {
			if d.next == len(d.openers) {
				d.err = io.EOF
				return 0, io.EOF
			}
			rc, err := d.openers[d.next](d.ctx)
			if err != nil {
				if d.ctx.Err() != nil {
					err = ErrCanceled
				}
				d.fail(err)
				return 0, d.err
			}
			d.cur = rc
			d.next++
		}

		n, err := d.cur.Read(p)
		if n > 0 {
			d.stream.XORKeyStream(p[:n], p[:n])
		}
		switch {
		case err == io.EOF:
			d.cur.Close()
			d.cur = nil
			if n > 0 {
				return n, nil
			}
		case err != nil:
			if d.ctx.Err() != nil {
				err = ErrCanceled
			}
			d.fail(err)
			// Bytes read alongside a cancellation are dropped.
			if err == ErrCanceled {
				return 0, d.err
			}
			return n, d.err
		default:
			if n > 0 {
				return n, nil
			}
		}
	}
}

func (d *DecryptReader) fail(err error) {
	d.err = err
	if d.cur != nil {
		d.cur.Close()
		d.cur = nil
	}
}

// Close releases the source currently being read.
func (d *DecryptReader) Close() error {
	if d.err == nil {
		d.err = io.ErrClosedPipe
	}
	if d.cur != nil {
		err := d.cur.Close()
		d.cur = nil
		return err
	}
	return nil
}

// EncryptReader encrypts a single plaintext source while hashing the plaintext.
type EncryptReader struct {
	ctx    context.Context
	stream cipher.Stream
	src    io.Reader
	sha    hash.Hash
	n      int64
	done   bool
}

// NewEncryptReader returns a reader yielding the ciphertext of src.
func NewEncryptReader(ctx context.Context, key, iv []byte, src io.Reader) (*EncryptReader, error) {
	stream, err := newStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &EncryptReader{ctx: ctx, stream: stream, src: src, sha: sha256.New()}, nil
}

// Read pulls plaintext, feeds it to the hash and returns it encrypted.
func (e *EncryptReader) Read(p []byte) (int, error) {
	if e.ctx.Err() != nil {
		return 0, ErrCanceled
	}
	n, err := e.src.Read(p)
	if n > 0 {
		e.sha.Write(p[:n])
		e.stream.XORKeyStream(p[:n], p[:n])
		e.n += int64(n)
	}
	if err == io.EOF {
		e.done = true
	}
	return n, err
}

// Size returns the number of bytes encrypted so far.
func (e *EncryptReader) Size() int64 {
	return e.n
}

// Fingerprint returns RIPEMD-160(SHA-256(plaintext)) once the source is drained.
func (e *EncryptReader) Fingerprint() ([]byte, error) {
	if !e.done {
		return nil, ErrNotFinished
	}
	h := ripemd160.New()
	h.Write(e.sha.Sum(nil))
	return h.Sum(nil), nil
}

// Encrypt drains src through an encrypting transform into dst and returns
// the plaintext fingerprint and byte count.
func Encrypt(ctx context.Context, key, iv []byte, src io.Reader, dst io.Writer) ([]byte, int64, error) {
	er, err := NewEncryptReader(ctx, key, iv, src)
	if err != nil {
		return nil, 0, err
	}
	if _, err := io.Copy(dst, er); err != nil {
		return nil, er.Size(), err
	}
	sum, err := er.Fingerprint()
	return sum, er.Size(), err
}

// Fingerprint computes the content fingerprint of plaintext held in memory.
func Fingerprint(plaintext []byte) []byte {
	first := sha256.Sum256(plaintext)
	h := ripemd160.New()
	h.Write(first[:])
	return h.Sum(nil)
}
