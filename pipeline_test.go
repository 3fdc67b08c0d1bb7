package recordlayer

import (
	"crypto/aes"
	"testing"
)

const testVersion uint16 = 0xfefd

func gcmSuite() (*CipherSuite, *KeyingMaterial) {
	return &CipherSuite{AEAD: AESGCMFactory()},
		&KeyingMaterial{Key: make([]byte, 16), IV: []byte{1, 2, 3, 4}}
}

// chacha20poly1305 carries no explicit per-record IV (RFC 7905): the
// full 12-byte nonce is the fixed IV XORed with the sequence number,
// so KeyingMaterial.IV must be the full nonce length, not a 4-byte
// salt as with GCM.
func chachaSuite() (*CipherSuite, *KeyingMaterial) {
	return &CipherSuite{AEAD: ChaCha20Poly1305Factory()},
		&KeyingMaterial{Key: make([]byte, 32), IV: make([]byte, 12)}
}

// A record written by one Pipeline is readable, in full, by another
// sharing its keys.
func TestPipelineRoundTripAEAD(t *testing.T) {
	wT := &memTransport{}
	writer, err := NewPipeline(Config{Direction: DirectionWrite, Transport: wT, ProtocolVersion: testVersion})
	assertNotError(t, err, "NewPipeline(writer)")

	suite, keys := gcmSuite()
	assertNotError(t, writer.Rekey(1, suite, keys), "writer.Rekey")

	assertNotError(t, writer.WriteRecords(WriteTemplate{Type: RecordTypeApplicationData, Payload: []byte("hello")}), "WriteRecords")
	assertEquals(t, len(wT.out), 1)

	rT := &memTransport{in: [][]byte{wT.out[0]}}
	reader, err := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})
	assertNotError(t, err, "NewPipeline(reader)")
	assertNotError(t, reader.Rekey(1, suite, keys), "reader.Rekey")
	reader.AdvanceEpoch()

	rec, err := reader.ReadRecord()
	assertNotError(t, err, "ReadRecord")
	assertByteEquals(t, rec.Payload, []byte("hello"))
	assertEquals(t, rec.Epoch, Epoch(1))
	assertEquals(t, rec.Type, RecordTypeApplicationData)
}

// ChaCha20-Poly1305's implicit-nonce construction (no explicit IV on
// the wire, unlike GCM's 8-byte explicit nonce) must round-trip
// identically to the GCM case: explicitIVLen/computeNonce dispatch on
// AEAD family identity, not on the fixed IV's length.
func TestPipelineRoundTripChaCha20Poly1305(t *testing.T) {
	wT := &memTransport{}
	writer, err := NewPipeline(Config{Direction: DirectionWrite, Transport: wT, ProtocolVersion: testVersion})
	assertNotError(t, err, "NewPipeline(writer)")

	suite, keys := chachaSuite()
	assertNotError(t, writer.Rekey(1, suite, keys), "writer.Rekey")

	assertNotError(t, writer.WriteRecords(WriteTemplate{Type: RecordTypeApplicationData, Payload: []byte("hello chacha")}), "WriteRecords")
	assertEquals(t, len(wT.out), 1)

	rT := &memTransport{in: [][]byte{wT.out[0]}}
	reader, err := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})
	assertNotError(t, err, "NewPipeline(reader)")
	assertNotError(t, reader.Rekey(1, suite, keys), "reader.Rekey")
	reader.AdvanceEpoch()

	rec, err := reader.ReadRecord()
	assertNotError(t, err, "ReadRecord")
	assertByteEquals(t, rec.Payload, []byte("hello chacha"))
	assertEquals(t, rec.Epoch, Epoch(1))
	assertEquals(t, rec.Type, RecordTypeApplicationData)
}

// A duplicated datagram is silently dropped, not delivered twice and
// not surfaced as an error beyond ErrWouldBlock once the queue is
// drained.
func TestPipelineReplayRejection(t *testing.T) {
	wT := &memTransport{}
	writer, _ := NewPipeline(Config{Direction: DirectionWrite, Transport: wT, ProtocolVersion: testVersion})
	suite, keys := gcmSuite()
	writer.Rekey(1, suite, keys)
	writer.WriteRecords(WriteTemplate{Type: RecordTypeApplicationData, Payload: []byte("once")})
	raw := wT.out[0]

	rT := &memTransport{in: [][]byte{raw, raw}}
	reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})
	reader.Rekey(1, suite, keys)
	reader.AdvanceEpoch()

	_, err := reader.ReadRecord()
	assertNotError(t, err, "first delivery should succeed")

	_, err = reader.ReadRecord()
	assertTrue(t, err == ErrWouldBlock, "replayed record must be silently dropped, not delivered or errored")
}

// On a reliable, ordered transport (SCTP), the replay check is skipped
// entirely: a duplicate datagram is delivered again rather than
// silently dropped, since the transport itself already guarantees no
// duplication or reordering.
func TestPipelineSkipsReplayCheckOnReliableTransport(t *testing.T) {
	writerSide, readerSide := newDirectedLink(true)

	writer, _ := NewPipeline(Config{Direction: DirectionWrite, Transport: writerSide, ProtocolVersion: testVersion})
	suite, keys := gcmSuite()
	writer.Rekey(1, suite, keys)
	assertNotError(t, writer.WriteRecords(WriteTemplate{Type: RecordTypeApplicationData, Payload: []byte("once")}), "WriteRecords")

	reliableRT := readerSide.(*readerEnd)
	raw := append([]byte{}, reliableRT.q.queue[0]...)
	reliableRT.q.queue = append(reliableRT.q.queue, raw)

	reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: readerSide, ProtocolVersion: testVersion})
	reader.Rekey(1, suite, keys)
	reader.AdvanceEpoch()

	rec1, err := reader.ReadRecord()
	assertNotError(t, err, "first delivery should succeed")
	assertByteEquals(t, rec1.Payload, []byte("once"))

	rec2, err := reader.ReadRecord()
	assertNotError(t, err, "identical sequence number must still be delivered on a reliable transport")
	assertByteEquals(t, rec2.Payload, []byte("once"))
}

// A next-epoch record arriving before its keys are installed is
// buffered, not dropped, and becomes deliverable once AdvanceEpoch
// promotes that epoch to current.
func TestPipelineBuffersNextEpochRecord(t *testing.T) {
	wT := &memTransport{}
	writer, _ := NewPipeline(Config{Direction: DirectionWrite, Transport: wT, ProtocolVersion: testVersion})
	suite, keys := gcmSuite()
	writer.Rekey(1, suite, keys)
	writer.WriteRecords(WriteTemplate{Type: RecordTypeHandshake, Payload: []byte("finished")})
	raw := wT.out[0]

	rT := &memTransport{in: [][]byte{raw}}
	reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})
	reader.SetInInit(true)

	// Epoch-1 keys are not installed yet: the record must be buffered,
	// not delivered and not dropped.
	_, err := reader.ReadRecord()
	assertTrue(t, err == ErrWouldBlock, "undecryptable next-epoch record should be buffered, leaving the transport dry")
	assertEquals(t, reader.unprocessed.Size(), 1)

	assertNotError(t, reader.Rekey(1, suite, keys), "reader.Rekey")
	reader.AdvanceEpoch()
	assertEquals(t, reader.unprocessed.Size(), 0)

	rec, err := reader.ReadRecord()
	assertNotError(t, err, "buffered record should now be deliverable")
	assertByteEquals(t, rec.Payload, []byte("finished"))
}

// The first record on a layer is accepted regardless of version; a
// later record with an unexpected version is silently dropped once a
// version has been negotiated.
func TestPipelineVersionTolerance(t *testing.T) {
	oddVersion := uint16(0xfeff)
	hdr := encodeHeader(RecordTypeApplicationData, oddVersion, 0, 0, 3)
	raw := append(hdr, []byte("abc")...)

	rT := &memTransport{in: [][]byte{raw}}
	reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})

	rec, err := reader.ReadRecord()
	assertNotError(t, err, "first record should bypass the version check")
	assertByteEquals(t, rec.Payload, []byte("abc"))

	hdr2 := encodeHeader(RecordTypeApplicationData, oddVersion, 0, 1, 3)
	raw2 := append(hdr2, []byte("def")...)
	rT.in = [][]byte{raw2}

	_, err = reader.ReadRecord()
	assertTrue(t, err == ErrWouldBlock, "a later record with an unexpected version should be silently dropped")
}

// A record whose declared length exceeds the negotiated fragment size
// is a fatal record_overflow, caught after decompression even when the
// wire header alone would have passed (the header bound only enforces
// the hard ceiling, not the negotiated one precisely).
func TestPipelineFragmentOverflowIsFatal(t *testing.T) {
	body := make([]byte, 20)
	hdr := encodeHeader(RecordTypeApplicationData, testVersion, 0, 0, uint16(len(body)))
	raw := append(hdr, body...)

	rT := &memTransport{in: [][]byte{raw}}
	reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion, MaxFragmentLen: 10})

	_, err := reader.ReadRecord()
	fa, ok := err.(*FatalAlert)
	assertTrue(t, ok, "expected a *FatalAlert")
	assertEquals(t, fa.Alert, AlertRecordOverflow)
	assertEquals(t, reader.GetAlertCode(), AlertRecordOverflow)
}

// ETM verifies the MAC before decrypting, so a tampered ciphertext is
// a fatal bad_record_mac; MtE verifies after decrypting, so the same
// tamper is indistinguishable from a padding failure and is silently
// dropped instead (no padding-oracle signal to the peer).
func TestPipelineETMvsMtE(t *testing.T) {
	mac := NewHMACSHA256()
	macKey := make([]byte, 32)
	blockKey := make([]byte, 16)

	build := func(mode macMode) (*Pipeline, *memTransport, *CipherSuite, *KeyingMaterial) {
		block, err := aes.NewCipher(blockKey)
		assertNotError(t, err, "aes.NewCipher")
		suite := &CipherSuite{Block: block, MAC: mac, MACMode: mode}
		keys := &KeyingMaterial{IV: make([]byte, 16), MACKey: macKey}
		rT := &memTransport{}
		p, err := NewPipeline(Config{Direction: DirectionWrite, Transport: rT, ProtocolVersion: testVersion})
		assertNotError(t, err, "NewPipeline")
		assertNotError(t, p.Rekey(1, suite, keys), "Rekey")
		return p, rT, suite, keys
	}

	for _, mode := range []macMode{macThenEncrypt, encryptThenMAC} {
		writer, wT, suite, keys := build(mode)
		assertNotError(t, writer.WriteRecords(WriteTemplate{Type: RecordTypeApplicationData, Payload: []byte("tamper me")}), "WriteRecords")
		raw := append([]byte{}, wT.out[0]...)

		// Round trip untouched: must succeed either way.
		rT := &memTransport{in: [][]byte{append([]byte{}, raw...)}}
		reader, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT, ProtocolVersion: testVersion})
		reader.Rekey(1, suite, keys)
		reader.AdvanceEpoch()
		rec, err := reader.ReadRecord()
		assertNotError(t, err, "untampered record should round-trip")
		assertByteEquals(t, rec.Payload, []byte("tamper me"))

		// Flip the last ciphertext byte (inside the encrypted region,
		// not the header, and ahead of the trailing MAC under ETM).
		tampered := append([]byte{}, raw...)
		idx := len(tampered) - 1
		if mode == encryptThenMAC {
			idx -= mac.Size()
		}
		tampered[idx] ^= 0xff

		rT2 := &memTransport{in: [][]byte{tampered}}
		reader2, _ := NewPipeline(Config{Direction: DirectionRead, Transport: rT2, ProtocolVersion: testVersion})
		reader2.Rekey(1, suite, keys)
		reader2.AdvanceEpoch()
		_, err = reader2.ReadRecord()

		if mode == encryptThenMAC {
			fa, ok := err.(*FatalAlert)
			assertTrue(t, ok, "ETM tamper should be a fatal alert")
			assertEquals(t, fa.Alert, AlertBadRecordMAC)
		} else {
			assertTrue(t, err == ErrWouldBlock, "MtE tamper should be silently dropped, not fatal")
		}
	}
}
