package envelope

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// mediaKeys is the HKDF expansion of a media key.
type mediaKeys struct {
	IV        []byte
	CipherKey []byte
	MacKey    []byte
	RefKey    []byte
}

// expand runs HKDF-SHA256 over key with an empty salt and the given info string.
func expand(key []byte, info string) (*mediaKeys, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty media key", ErrInvalidKeyMaterial)
	}
	if info == "" {
		return nil, fmt.Errorf("%w: missing application info", ErrInvalidKeyMaterial)
	}

	out := make([]byte, expandedKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("%w: expand media key: %v", ErrInvalidKeyMaterial, err)
	}

	return &mediaKeys{
		IV:        out[:16],
		CipherKey: out[16:48],
		MacKey:    out[48:80],
		RefKey:    out[80:112],
	}, nil
}
