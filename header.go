package recordlayer

import (
	"golang.org/x/crypto/cryptobyte"
)

// RecordType is the DTLS content type byte.
type RecordType uint8

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeChangeCipherSpec:
		return "change_cipher_spec"
	case RecordTypeAlert:
		return "alert"
	case RecordTypeHandshake:
		return "handshake"
	case RecordTypeApplicationData:
		return "application_data"
	default:
		return "unknown"
	}
}

const (
	// RecordHeaderLen is the fixed DTLS record header size:
	// type(1) + version(2) + epoch(2) + seq(6) + length(2).
	RecordHeaderLen = 13

	// MaxEncrypted bounds the on-wire ciphertext length a single
	// record may declare, independent of the negotiated fragment
	// size: a hard DoS ceiling applied before any buffer is sized.
	MaxEncrypted = 1<<14 + 2048

	// MaxCompressed bounds the decompressed (but still encoded)
	// payload length.
	MaxCompressed = 1<<14 + 1024

	// MaxPlaintext bounds the final plaintext fragment length
	// delivered to the caller.
	MaxPlaintext = 1 << 14

	dtlsMajor = 0xfe
)

// recordHeader is the parsed form of the 13-byte DTLS record header.
type recordHeader struct {
	typ           RecordType
	versionMajor  uint8
	versionMinor  uint8
	epoch         Epoch
	seq           uint64 // low 48 bits significant
	length        uint16
}

func (h recordHeader) version() uint16 {
	return uint16(h.versionMajor)<<8 | uint16(h.versionMinor)
}

// parseHeader decodes a 13-byte DTLS record header. It reports false
// only on structural malformation (short buffer); the caller is
// responsible for semantic validation (validateHeader).
func parseHeader(b []byte) (recordHeader, bool) {
	if len(b) < RecordHeaderLen {
		return recordHeader{}, false
	}

	s := cryptobyte.String(b)
	var h recordHeader
	var typ, major, minor uint8
	var epoch uint16
	var seqBytes []byte
	var length uint16

	ok := s.ReadUint8(&typ) &&
		s.ReadUint8(&major) &&
		s.ReadUint8(&minor) &&
		s.ReadUint16(&epoch) &&
		s.ReadBytes(&seqBytes, 6) &&
		s.ReadUint16(&length)
	if !ok {
		return recordHeader{}, false
	}

	h.typ = RecordType(typ)
	h.versionMajor = major
	h.versionMinor = minor
	h.epoch = Epoch(epoch)
	h.seq = decode48(seqBytes)
	h.length = length
	return h, true
}

// encodeHeader writes the 13-byte DTLS record header for the given
// fields. It never fails: all fields are bounded by their own types.
func encodeHeader(typ RecordType, version uint16, epoch Epoch, seq uint64, length uint16) []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, RecordHeaderLen))
	b.AddUint8(uint8(typ))
	b.AddUint8(uint8(version >> 8))
	b.AddUint8(uint8(version))
	b.AddUint16(uint16(epoch))
	b.AddBytes(encode48(seq))
	b.AddUint16(length)
	return b.BytesOrPanic()
}

func decode48(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func encode48(v uint64) []byte {
	out := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// headerValidationOpts carries the layer state validateHeader needs to
// apply version-tolerance and length-bound rules.
type headerValidationOpts struct {
	isFirstRecord     bool
	negotiatedVer     uint16
	verDetermined     bool
	configuredMajor   uint8
	negotiatedMaxFrag int
	overheadBudget    int
}

// validateHeader applies the layer's silent-drop rules. A false return
// means: reset buffer, report no record, loop — never an error.
func validateHeader(h recordHeader, opts headerValidationOpts) bool {
	if !opts.isFirstRecord && h.typ != RecordTypeAlert {
		if opts.verDetermined && h.version() != opts.negotiatedVer {
			return false
		}
	}

	if opts.configuredMajor != 0 && h.versionMajor != opts.configuredMajor && h.versionMajor != dtlsMajor {
		return false
	}

	if int(h.length) > MaxEncrypted {
		return false
	}

	if opts.negotiatedMaxFrag > 0 && int(h.length) > opts.negotiatedMaxFrag+opts.overheadBudget {
		return false
	}

	return true
}
