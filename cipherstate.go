package recordlayer

import (
	"crypto/cipher"
	"crypto/rand"
)

// randRead fills b with cryptographically random bytes, used for the
// per-record explicit CBC IV.
func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// AEADFactory builds an AEAD cipher from a raw key, the collaborator
// Rekey uses to install a new AEAD cipher state. ExplicitIVLen reports
// the length of the per-record explicit IV this AEAD family transmits
// in the clear alongside the ciphertext: 8 for the GCM/CCM RFC 5288
// convention, 0 for ChaCha20-Poly1305's implicit-nonce RFC 7905
// convention. This is a property of the cipher family, not of the
// fixed IV's length, so it travels with the factory rather than being
// inferred from len(iv).
type AEADFactory struct {
	New           func(key []byte) (cipher.AEAD, error)
	ExplicitIVLen int
}

// MACAlgorithm is the typed interface the core consumes for MAC
// primitives, kept out of the core so cipher/MAC choice never leaks
// into the framing logic.
type MACAlgorithm interface {
	Size() int
	Compute(key, data []byte) []byte
}

// macMode selects where, relative to encryption, the MAC is applied.
type macMode uint8

const (
	macNone macMode = iota
	macThenEncrypt
	encryptThenMAC
)

// cipherMode selects the bulk-cipher shape of a cipherState.
type cipherMode uint8

const (
	cipherNull cipherMode = iota
	cipherAEAD
	cipherCBC
)

// cipherState is the per-epoch cryptographic and sequencing state: one
// exists per direction per live epoch, carrying either an AEAD cipher
// or a block cipher plus a MAC algorithm and ETM/MtE mode.
type cipherState struct {
	epoch Epoch
	mode  cipherMode

	// AEAD mode. aeadExplicitIVLen is carried from the AEADFactory that
	// built this state, keyed on cipher identity (see AEADFactory).
	aead              cipher.AEAD
	iv                []byte
	aeadExplicitIVLen int

	// CBC mode.
	block     cipher.Block
	blockSize int
	cbcIV     []byte

	// MAC, shared by both CBC submodes. AEAD ciphers carry their own
	// integrity and never set macAlg.
	macAlg  MACAlgorithm
	macKey  []byte
	macMode macMode

	compress CompressionMethod

	// writeSeq is the 48-bit per-epoch write sequence counter; reset
	// to zero on every Rekey, matching the DeferredRecordQueue's own
	// per-epoch scoping (SPEC_FULL.md, "Epoch-scoped outbound sequence
	// counters").
	writeSeq uint64
}

func newNullCipherState(epoch Epoch) *cipherState {
	return &cipherState{epoch: epoch, mode: cipherNull, compress: nullCompression{}}
}

func newAEADCipherState(epoch Epoch, factory *AEADFactory, key, iv []byte, compress CompressionMethod) (*cipherState, error) {
	a, err := factory.New(key)
	if err != nil {
		return nil, err
	}
	if compress == nil {
		compress = nullCompression{}
	}
	return &cipherState{
		epoch:             epoch,
		mode:              cipherAEAD,
		aead:              a,
		iv:                iv,
		aeadExplicitIVLen: factory.ExplicitIVLen,
		compress:          compress,
	}, nil
}

func newCBCCipherState(epoch Epoch, block cipher.Block, iv []byte, mac MACAlgorithm, macKey []byte, mode macMode, compress CompressionMethod) *cipherState {
	if compress == nil {
		compress = nullCompression{}
	}
	return &cipherState{
		epoch:     epoch,
		mode:      cipherCBC,
		block:     block,
		blockSize: block.BlockSize(),
		cbcIV:     iv,
		macAlg:    mac,
		macKey:    macKey,
		macMode:   mode,
		compress:  compress,
	}
}

// explicitIVLen returns the length of the per-record explicit IV
// transmitted in the clear alongside the ciphertext.
func (c *cipherState) explicitIVLen() int {
	switch c.mode {
	case cipherCBC:
		if c.blockSize <= 1 {
			return 0
		}
		return c.blockSize
	case cipherAEAD:
		// Keyed on the AEAD family the factory identified at Rekey
		// time (GCM/CCM use an 8-byte explicit IV in DTLS;
		// ChaCha20-Poly1305 uses none), never on the fixed IV's own
		// length, which says nothing about which nonce construction
		// the family requires.
		return c.aeadExplicitIVLen
	default:
		return 0
	}
}

// overhead reports the number of bytes a Rekey'd cipherState adds on
// top of a record's plaintext: the AEAD authentication tag, or a CBC
// cipher's minimum one block of padding plus its MAC, whichever mode
// is active. Used as a cheap short-body floor before attempting a full
// decrypt, and as a buffer-sizing hint on the write path.
func (c *cipherState) overhead() int {
	switch c.mode {
	case cipherAEAD:
		return c.aead.Overhead()
	case cipherCBC:
		n := c.blockSize // at least one block of padding
		if c.macAlg != nil {
			n += c.macAlg.Size()
		}
		return n
	default:
		return 0
	}
}

// computeNonce builds the AEAD nonce for seq. Ciphers with an 8-byte
// explicit IV (GCM, CCM) get a nonce of iv || big-endian(seq), matching
// the bytes transmitted in the clear alongside the ciphertext; ciphers
// without one (the implicit-nonce style, e.g. ChaCha20-Poly1305) XOR
// the sequence into the trailing bytes of the fixed IV instead.
func (c *cipherState) computeNonce(seq uint64) []byte {
	if c.mode == cipherAEAD && c.aeadExplicitIVLen == 8 {
		nonce := make([]byte, len(c.iv)+8)
		copy(nonce, c.iv)
		for i := 0; i < 8; i++ {
			nonce[len(c.iv)+7-i] = byte(seq >> (uint(i) * 8))
		}
		return nonce
	}

	nonce := make([]byte, len(c.iv))
	copy(nonce, c.iv)

	s := seq
	offset := len(c.iv)
	for i := 0; i < 8 && i < offset; i++ {
		nonce[offset-i-1] ^= byte(s & 0xff)
		s >>= 8
	}
	return nonce
}

// nextWriteSeq returns the next 48-bit sequence number to emit under
// and advances the counter, or errSeqExhausted if the 48-bit space is
// spent: the sequence number must never wrap, so exhaustion forces a
// rekey rather than silently restarting at zero.
func (c *cipherState) nextWriteSeq() (uint64, error) {
	const max48 = 1<<48 - 1
	if c.writeSeq >= max48 {
		return 0, errSeqExhausted
	}
	seq := c.writeSeq
	c.writeSeq++
	return seq, nil
}
