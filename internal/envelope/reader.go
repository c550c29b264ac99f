package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

// DefaultReadSize is the ciphertext read size of the decrypting reader (64KB).
const DefaultReadSize = 64 * 1024

var errReaderClosed = errors.New("envelope: read from closed stream")

// decryptReader decrypts an envelope as it is read.
//
// Ciphertext is decrypted block by block while the HMAC runs alongside it. The last cipher
// block and the trailing MAC are held back until the source is exhausted, because only then
// can the tag be checked and the padding removed. A MAC failure therefore surfaces at the end
// of the stream, after earlier plaintext was already handed out; consumers must treat any
// read error as fatal for everything they received.
type decryptReader struct {
	source io.ReadCloser
	ctx    context.Context
	mode   cipher.BlockMode
	mac    hash.Hash

	readBuf []byte
	pending []byte // ciphertext not yet decrypted, including the trailing MAC
	plain   []byte // decrypted bytes not yet returned
	outBuf  []byte

	closed bool
	err    error
}

// newDecryptReader wraps source, which must yield ciphertext || mac.
func newDecryptReader(ctx context.Context, source io.ReadCloser, keys *mediaKeys, readSize int) (*decryptReader, error) {
	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrInvalidKeyMaterial, err)
	}
	if readSize < aes.BlockSize {
		readSize = DefaultReadSize
	}

	mac := hmac.New(sha256.New, keys.MacKey)
	mac.Write(keys.IV)

	return &decryptReader{
		source:  source,
		ctx:     ctx,
		mode:    cipher.NewCBCDecrypter(block, keys.IV),
		mac:     mac,
		readBuf: make([]byte, readSize),
		pending: make([]byte, 0, readSize+2*aes.BlockSize+macLength),
	}, nil
}

// Read implements io.Reader.
func (r *decryptReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		select {
		case <-r.ctx.Done():
			r.err = r.ctx.Err()
			return 0, r.err
		default:
		}
		r.fill()
	}

	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

// Close releases the underlying connection. The stream cannot be reopened.
func (r *decryptReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.source.Close()
}

func (r *decryptReader) fill() {
	n, err := r.source.Read(r.readBuf)
	r.pending = append(r.pending, r.readBuf[:n]...)

	switch {
	case err == io.EOF:
		r.finish()
	case err != nil:
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			r.err = ctxErr
			return
		}
		r.err = fmt.Errorf("%w: read ciphertext: %w", ErrFetchFailed, err)
	default:
		r.decryptAvailable()
	}
}

// decryptAvailable decrypts whole blocks while keeping one block plus the MAC in reserve.
func (r *decryptReader) decryptAvailable() {
	avail := len(r.pending) - macLength - aes.BlockSize
	if avail <= 0 {
		return
	}
	avail -= avail % aes.BlockSize
	if avail == 0 {
		return
	}

	chunk := r.pending[:avail]
	r.mac.Write(chunk)
	r.plain = r.decryptBlocks(chunk)

	rest := copy(r.pending, r.pending[avail:])
	r.pending = r.pending[:rest]
}

func (r *decryptReader) finish() {
	if len(r.pending) < macLength+aes.BlockSize || (len(r.pending)-macLength)%aes.BlockSize != 0 {
		r.err = fmt.Errorf("%w: truncated ciphertext", ErrDecryptionFailed)
		return
	}

	ciphertext := r.pending[:len(r.pending)-macLength]
	tag := r.pending[len(r.pending)-macLength:]

	r.mac.Write(ciphertext)
	if !hmac.Equal(r.mac.Sum(nil)[:macLength], tag) {
		r.err = fmt.Errorf("%w: media MAC mismatch", ErrDecryptionFailed)
		return
	}

	plain := r.decryptBlocks(ciphertext)
	unpadded, err := unpad(plain)
	if err != nil {
		r.err = err
		return
	}

	r.plain = unpadded
	r.pending = r.pending[:0]
	r.err = io.EOF
}

func (r *decryptReader) decryptBlocks(ciphertext []byte) []byte {
	if cap(r.outBuf) < len(ciphertext) {
		r.outBuf = make([]byte, len(ciphertext))
	}
	out := r.outBuf[:len(ciphertext)]
	r.mode.CryptBlocks(out, ciphertext)
	return out
}

func unpad(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext block", ErrDecryptionFailed)
	}
	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plain) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}
	return plain[:len(plain)-padLen], nil
}
