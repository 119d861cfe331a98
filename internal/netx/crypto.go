package netx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches the fixed 45-byte RSA-OAEP overhead budget below
	"fmt"
)

// rsaChunkOverhead is the fixed per-portion overhead budget: plaintext is
// split into portions of (modulus_bytes - 45) bytes before each portion is
// RSA-OAEP encrypted. SHA-1 OAEP overhead is 2*20+2 = 42 bytes, three
// bytes inside that budget, so every portion always fits.
const rsaChunkOverhead = 45

// rsaEncryptMessage splits plaintext into RSA-OAEP-sized portions and
// writes each ciphertext portion length-prefixed (decimal + NUL), exactly
// like the outer frame format, so the inner sequence can be reassembled
// with the same Scanner used for the wire itself.
func rsaEncryptMessage(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	portionSize := pub.Size() - rsaChunkOverhead
	if portionSize <= 0 {
		return nil, fmt.Errorf("netx: RSA key too small for chunked encryption")
	}

	var buf bytes.Buffer
	for i := 0; i < len(plaintext) || i == 0; i += portionSize {
		end := i + portionSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		portion := plaintext[i:end]
		ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, portion, nil)
		if err != nil {
			return nil, fmt.Errorf("netx: RSA encrypt portion: %w", err)
		}
		if err := WriteFrame(&buf, ciphertext); err != nil {
			return nil, fmt.Errorf("netx: frame RSA portion: %w", err)
		}
		if len(plaintext) == 0 {
			break
		}
	}
	return buf.Bytes(), nil
}

// rsaDecryptMessage reverses rsaEncryptMessage: it scans the inner
// length-prefixed ciphertext portions, RSA-decrypts each, and
// concatenates the plaintext back together.
func rsaDecryptMessage(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	scanner := NewScanner()
	portions := scanner.Feed(data)
	var out bytes.Buffer
	for _, ciphertext := range portions {
		plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("netx: RSA decrypt portion: %w", err)
		}
		out.Write(plain)
	}
	return out.Bytes(), nil
}

// generateAESKey returns a fresh 256-bit AES key.
func generateAESKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("netx: generate AES key: %w", err)
	}
	return key, nil
}

// aesEncryptFrame prepends a fresh random IV to an AES-256-CBC ciphertext
// of PKCS#7-padded plaintext.
func aesEncryptFrame(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("netx: new AES cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("netx: generate IV: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return append(iv, ciphertext...), nil
}

// aesDecryptFrame reverses aesEncryptFrame.
func aesDecryptFrame(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("netx: new AES cipher: %w", err)
	}
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("netx: AES frame shorter than one IV")
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("netx: AES ciphertext not block-aligned")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("netx: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("netx: invalid PKCS#7 padding")
	}
	return data[:len(data)-padLen], nil
}
