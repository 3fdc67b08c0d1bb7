package recordlayer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEADFactory constructors. These are concrete collaborators a caller
// passes into Rekey via CipherSuite; the core never depends on them
// directly.

// AESGCMFactory builds an AEADFactory for AES-GCM, the classic
// RFC 5288 DTLS 1.2 AEAD suite, built from stdlib crypto/aes and
// crypto/cipher. GCM's RFC 5288 nonce is a 4-byte salt (the Rekey
// caller's KeyingMaterial.IV) concatenated with an 8-byte explicit
// per-record nonce sent in the clear.
func AESGCMFactory() *AEADFactory {
	return &AEADFactory{
		New: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
		ExplicitIVLen: 8,
	}
}

// ChaCha20Poly1305Factory builds an AEADFactory for ChaCha20-Poly1305,
// wired directly from golang.org/x/crypto/chacha20poly1305. Per
// RFC 7905, ChaCha20-Poly1305 carries no explicit per-record IV: the
// full 12-byte nonce is the Rekey caller's KeyingMaterial.IV XORed with
// the sequence number.
func ChaCha20Poly1305Factory() *AEADFactory {
	return &AEADFactory{
		New: func(key []byte) (cipher.AEAD, error) {
			return chacha20poly1305.New(key)
		},
		ExplicitIVLen: 0,
	}
}

// hmacSHA256 is the one concrete MACAlgorithm this package ships, for
// CBC suites (HMAC-SHA256, RFC 5246 §6.2.3.2). MAC primitives are
// modeled behind a typed interface; this implementation uses only
// crypto/hmac and crypto/sha256 since HMAC has no meaningfully
// different third-party implementation worth reaching for.
type hmacSHA256 struct{}

// NewHMACSHA256 returns the HMAC-SHA256 MACAlgorithm.
func NewHMACSHA256() MACAlgorithm { return hmacSHA256{} }

func (hmacSHA256) Size() int { return sha256.Size }

func (hmacSHA256) Compute(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
