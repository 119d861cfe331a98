package netx

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
)

func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test RSA key: %v", err)
	}
	return priv
}

func TestRSAEncryptDecryptRoundTripSmall(t *testing.T) {
	priv := testKeyPair(t)
	plaintext := []byte("a short hello")

	ciphertext, err := rsaEncryptMessage(&priv.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := rsaDecryptMessage(priv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestRSAEncryptDecryptRoundTripMultiChunk(t *testing.T) {
	priv := testKeyPair(t)
	// 2048-bit key => portion size = 256 - 45 = 211 bytes per chunk.
	// Use a plaintext several times that size to force multiple portions.
	plaintext := bytes.Repeat([]byte("0123456789abcdef"), 60) // 960 bytes

	ciphertext, err := rsaEncryptMessage(&priv.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := rsaDecryptMessage(priv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("multi-chunk round trip mismatch: got %d bytes, want %d bytes", len(got), len(plaintext))
	}
}

func TestRSAEncryptDecryptEmptyPlaintext(t *testing.T) {
	priv := testKeyPair(t)
	ciphertext, err := rsaEncryptMessage(&priv.PublicKey, nil)
	if err != nil {
		t.Fatalf("encrypt empty: %v", err)
	}
	got, err := rsaDecryptMessage(priv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext round trip, got %q", got)
	}
}

func TestAESEncryptDecryptFrameRoundTrip(t *testing.T) {
	key, err := generateAESKey()
	if err != nil {
		t.Fatalf("generate AES key: %v", err)
	}

	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		[]byte("a payload that spans more than one AES block of plaintext"),
	}
	for _, plaintext := range cases {
		frame, err := aesEncryptFrame(key, plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, err := aesDecryptFrame(key, frame)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestAESEncryptUsesFreshIVEachTime(t *testing.T) {
	key, err := generateAESKey()
	if err != nil {
		t.Fatalf("generate AES key: %v", err)
	}
	plaintext := []byte("same plaintext every time")

	a, err := aesEncryptFrame(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := aesEncryptFrame(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext due to random IVs")
	}
}

func TestAESDecryptRejectsUndersizedFrame(t *testing.T) {
	key, err := generateAESKey()
	if err != nil {
		t.Fatalf("generate AES key: %v", err)
	}
	if _, err := aesDecryptFrame(key, []byte("short")); err == nil {
		t.Fatalf("expected error decrypting a frame shorter than one IV")
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := bytes.Repeat([]byte{'x'}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not block-aligned for input length %d", len(padded), n)
		}
		unpadded, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("unpad: %v", err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("unpad mismatch for length %d: got %q", n, unpadded)
		}
	}
}

func TestGenerateAndLoadKeyPairFiles(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	if err := GenerateKeyPairFiles(privPath, pubPath); err != nil {
		t.Fatalf("generate key pair files: %v", err)
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("load public key: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Fatalf("loaded public key does not match the private key's own public half")
	}

	plaintext := []byte("round trip through files on disk")
	ciphertext, err := rsaEncryptMessage(pub, plaintext)
	if err != nil {
		t.Fatalf("encrypt with loaded public key: %v", err)
	}
	got, err := rsaDecryptMessage(priv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt with loaded private key: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}
