package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Seal encrypts plaintext into an envelope for the given media key and media type.
// The output is ciphertext || mac, the layout served by the media CDN.
func Seal(plaintext, mediaKey []byte, mediaType string) ([]byte, error) {
	info, err := AppInfo(mediaType)
	if err != nil {
		return nil, err
	}
	keys, err := expand(mediaKey, info)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padded := pad(plaintext)
	out := make([]byte, len(padded), len(padded)+macLength)
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(out, padded)

	mac := hmac.New(sha256.New, keys.MacKey)
	mac.Write(keys.IV)
	mac.Write(out)
	return append(out, mac.Sum(nil)[:macLength]...), nil
}

func pad(plaintext []byte) []byte {
	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext), len(plaintext)+padLen)
	copy(padded, plaintext)
	return append(padded, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}
