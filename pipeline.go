package recordlayer

import (
	"bytes"
	"crypto/cipher"
	"crypto/subtle"
	"sync"

	"go.uber.org/zap"
)

// Record is one parsed, authenticated, decompressed record delivered
// to the caller.
type Record struct {
	Type    RecordType
	Version uint16
	Epoch   Epoch
	Seq     uint64
	Payload []byte
}

// WriteTemplate is a caller's request to emit one record; transient
// per WriteRecords call. DTLS emits one record per datagram, so
// WriteRecords rejects batches of more than one template.
type WriteTemplate struct {
	Type    RecordType
	Version uint16
	Payload []byte
}

// CipherSuite bundles the bulk cipher and, for CBC suites, the MAC
// algorithm and mode a Rekey call installs. Exactly one of AEAD or
// Block must be set.
type CipherSuite struct {
	AEAD    *AEADFactory
	Block   cipher.Block
	MAC     MACAlgorithm
	MACMode macMode
}

type pendingWrite struct {
	buf      []byte
	typ      RecordType
	template []byte
}

// Pipeline is the orchestrating state machine of the record layer's
// read path: ReadHeader -> ReadBody -> EpochCheck -> ReplayCheck ->
// BufferOrDecrypt -> MACVerify -> Decompress -> Deliver, and the
// symmetric write path.
type Pipeline struct {
	// Embedded so the owning connection can serialize its own read and
	// write calls into the layer from multiple goroutines; the layer's
	// own internal state machine is single-threaded and takes no lock
	// on its own hot path (spec.md §5).
	sync.Mutex

	cfg Config

	frame *frameReader

	// pendingPackets holds raw datagrams replayed into the pipeline
	// ahead of fresh transport reads: populated by AdvanceEpoch when
	// previously-buffered next-epoch records become processable.
	pendingPackets [][]byte

	currentEpoch Epoch
	writeCipher  *cipherState
	readCiphers  map[Epoch]*cipherState

	currentWindow ReplayWindow
	nextWindow    ReplayWindow

	unprocessed   *DeferredRecordQueue
	processedRcds *DeferredRecordQueue

	inInit            bool
	isFirstRecord     bool
	negotiatedVersion uint16
	verDetermined     bool
	maxFragLen        int

	pendingRecord *Record
	alertCode     AlertDescription

	pendingWrite *pendingWrite

	closed bool
}

// NewPipeline constructs a Pipeline. Its only failure (a nil
// transport) is detected before anything is allocated, so it never
// returns a half-built Pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Transport == nil {
		return nil, raiseFatal(AlertInternalError, "nil transport")
	}

	maxFrag := cfg.MaxFragmentLen
	if maxFrag <= 0 {
		maxFrag = MaxPlaintext
	}

	p := &Pipeline{
		cfg:               cfg,
		frame:             newFrameReader(RecordHeaderLen),
		currentEpoch:      cfg.InitialEpoch,
		readCiphers:       make(map[Epoch]*cipherState),
		isFirstRecord:     true,
		negotiatedVersion: cfg.ProtocolVersion,
		verDetermined:     cfg.ProtocolVersion != 0,
		maxFragLen:        maxFrag,
	}

	initial := newNullCipherState(cfg.InitialEpoch)
	if cfg.Compression != nil {
		initial.compress = cfg.Compression
	}
	p.writeCipher = initial
	p.readCiphers[cfg.InitialEpoch] = initial

	p.unprocessed = NewDeferredRecordQueue()
	p.processedRcds = NewDeferredRecordQueue()

	return p, nil
}

// SetInInit toggles whether next-epoch handshake/alert records are
// buffered (true) or dropped outright (false).
func (p *Pipeline) SetInInit(v bool) { p.inInit = v }

// SetProtocolVersion fixes the version all subsequent non-first,
// non-alert records are checked against.
func (p *Pipeline) SetProtocolVersion(v uint16) {
	p.negotiatedVersion = v
	p.verDetermined = true
}

// SetMaxFragmentLen sets the negotiated maximum plaintext fragment
// length used by the read path's header length bound and its
// post-decompression overflow check. The write path does not consult
// it.
func (p *Pipeline) SetMaxFragmentLen(n int) {
	if n > 0 {
		p.maxFragLen = n
	}
}

// Epoch returns the layer's current epoch.
func (p *Pipeline) Epoch() Epoch { return p.currentEpoch }

// GetCompression returns the compression method installed on this
// instance's active cipher state for its configured direction.
func (p *Pipeline) GetCompression() CompressionMethod {
	if p.cfg.Direction == DirectionWrite {
		return p.writeCipher.compress
	}
	if cs, ok := p.readCiphers[p.currentEpoch]; ok {
		return cs.compress
	}
	return nullCompression{}
}

// GetAlertCode returns the alert of the most recent fatal condition,
// for the caller to decide whether to relay it to the peer.
func (p *Pipeline) GetAlertCode() AlertDescription { return p.alertCode }

// Rekey installs new cryptographic state under epoch. For the write
// direction this becomes the active write cipher immediately; for the
// read direction it is installed into the epoch-keyed map, and if
// epoch is the next epoch its replay window is reset, preserving the
// at-most-two-live-windows invariant.
func (p *Pipeline) Rekey(epoch Epoch, suite *CipherSuite, keys *KeyingMaterial) error {
	compress := p.GetCompression()

	var cs *cipherState
	switch {
	case suite.AEAD != nil:
		var err error
		cs, err = newAEADCipherState(epoch, suite.AEAD, keys.Key, keys.IV, compress)
		if err != nil {
			return p.fatal(AlertInternalError, err.Error())
		}
	case suite.Block != nil:
		cs = newCBCCipherState(epoch, suite.Block, keys.IV, suite.MAC, keys.MACKey, suite.MACMode, compress)
	default:
		return p.fatal(AlertInternalError, "cipher suite has neither AEAD nor block cipher")
	}

	if p.cfg.Direction == DirectionWrite {
		p.writeCipher = cs
		return nil
	}

	p.readCiphers[epoch] = cs
	if epoch == p.currentEpoch+1 {
		p.nextWindow.reset()
	}
	return nil
}

// AdvanceEpoch promotes the next epoch to current: the next window
// becomes the current window, the old current epoch's read cipher is
// discarded (bounding the layer to at most two live windows), and any
// unprocessed records buffered for this epoch generation are queued
// for reprocessing ahead of fresh transport reads.
func (p *Pipeline) AdvanceEpoch() {
	oldEpoch := p.currentEpoch
	p.currentEpoch++
	p.currentWindow = p.nextWindow
	p.nextWindow.reset()

	delete(p.readCiphers, oldEpoch)

	if qe, has := p.unprocessed.RecordedEpoch(); has && qe == p.currentEpoch {
		for {
			item, ok := p.unprocessed.PopMin()
			if !ok {
				break
			}
			p.pendingPackets = append(p.pendingPackets, item.raw)
		}
	}
	p.cfg.Metrics.setDeferredSize("unprocessed", p.unprocessed.Size())
}

// Close tears the layer down, migrating leftover unread bytes and the
// unprocessed queue's contents to successor. Safe to call multiple
// times.
func (p *Pipeline) Close(successor Transport) error {
	if p.closed {
		return nil
	}
	p.closed = true

	if successor == nil {
		return nil
	}

	if leftover := p.frame.leftover(); len(leftover) > 0 {
		if err := successor.WritePacket(leftover); err != nil {
			return err
		}
	}
	if err := p.unprocessed.DrainTo(successor); err != nil {
		return err
	}
	return p.processedRcds.DrainTo(successor)
}

func (p *Pipeline) fatal(alert AlertDescription, reason string) *FatalAlert {
	fa := raiseFatal(alert, reason)
	p.alertCode = alert
	p.cfg.Metrics.incFatal(alert)
	logf(p.cfg.Log, logEventAlert, reason, zap.String("alert", alert.String()))
	if p.cfg.OnAlert != nil {
		p.cfg.OnAlert(fa)
	}
	return fa
}

func (p *Pipeline) incDrop(reason string) {
	p.cfg.Metrics.incDrop(reason)
	logf(p.cfg.Log, logEventDrop, "silent drop", zap.String("reason", reason))
}

// loadPacket ensures a packet is buffered in p.frame, preferring
// replayed packets from a recent AdvanceEpoch over a fresh transport
// read.
func (p *Pipeline) loadPacket() error {
	if len(p.frame.pkt) > 0 {
		return nil
	}
	if len(p.pendingPackets) > 0 {
		p.frame.pkt = p.pendingPackets[0]
		p.pendingPackets = p.pendingPackets[1:]
		return nil
	}
	return p.frame.ensurePacket(p.cfg.Transport)
}

// ReadRecord runs the read-path state machine until a record is
// available, the transport has nothing more to offer (ErrWouldBlock),
// the transport is closed (io.EOF), or a fatal condition is raised.
// Silent drops loop internally and are never observed by the caller.
func (p *Pipeline) ReadRecord() (*Record, error) {
	for {
		if item, ok := p.processedRcds.PopMin(); ok {
			return &Record{
				Type:    item.header.typ,
				Version: item.header.version(),
				Epoch:   item.header.epoch,
				Seq:     item.header.seq,
				Payload: item.raw,
			}, nil
		}

		rec, err := p.readOneRecord()
		if err == errSilentDrop {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		return rec, nil
	}
}

// GetMoreRecords is ReadRecord reframed to a {success, retry, fatal,
// eof} shape: a bool plus the same error values ReadRecord would have
// returned.
func (p *Pipeline) GetMoreRecords() (bool, error) {
	rec, err := p.ReadRecord()
	if err != nil {
		return false, err
	}
	p.pendingRecord = rec
	return true, nil
}

// ReleaseRecord discards the cached current record.
func (p *Pipeline) ReleaseRecord() { p.pendingRecord = nil }

// readOneRecord performs exactly one pass of the read-path algorithm.
// A nil, nil return means "loop, nothing delivered yet" (next-epoch
// buffering); an errSilentDrop return (including a zero-length
// payload) means the same, via the ReadRecord loop.
func (p *Pipeline) readOneRecord() (*Record, error) {
	if err := p.loadPacket(); err != nil {
		return nil, err
	}

	hdrBytes, ok := p.frame.takeHeader()
	if !ok {
		return nil, errSilentDrop
	}

	h, ok := parseHeader(hdrBytes)
	if !ok {
		p.incDrop("malformed_header")
		return nil, errSilentDrop
	}

	opts := headerValidationOpts{
		isFirstRecord:     p.isFirstRecord,
		negotiatedVer:     p.negotiatedVersion,
		verDetermined:     p.verDetermined,
		configuredMajor:   dtlsMajor,
		negotiatedMaxFrag: p.maxFragLen,
		overheadBudget:    recordOverheadBudget,
	}
	if !validateHeader(h, opts) {
		p.incDrop("header_invalid")
		p.frame.discard()
		return nil, errSilentDrop
	}

	body, ok := p.frame.takeBody(int(h.length))
	if !ok {
		p.incDrop("short_body")
		return nil, errSilentDrop
	}

	p.isFirstRecord = false

	kind, isNext, ok := routeEpoch(p.currentEpoch, h.epoch, h.typ, p.unprocessed)
	if !ok {
		p.incDrop("no_route")
		return nil, errSilentDrop
	}

	win := &p.currentWindow
	if kind == nextWindow {
		win = &p.nextWindow
	}

	if !p.cfg.Transport.Reliable() {
		status := win.Check(h.seq)
		p.cfg.Metrics.incReplay(status)
		if status != ReplayFresh {
			p.incDrop("replay_" + status.String())
			return nil, errSilentDrop
		}
	}

	if h.length == 0 {
		return nil, errSilentDrop
	}

	if isNext {
		if p.inInit {
			raw := make([]byte, 0, len(hdrBytes)+len(body))
			raw = append(raw, hdrBytes...)
			raw = append(raw, body...)
			if !p.unprocessed.Insert(h.epoch, h, raw) {
				return nil, p.fatal(AlertInternalError, "unprocessed queue full")
			}
			p.cfg.Metrics.setDeferredSize("unprocessed", p.unprocessed.Size())
		}
		return nil, nil
	}

	cs, ok := p.readCiphers[h.epoch]
	if !ok {
		p.incDrop("no_cipher_for_epoch")
		return nil, errSilentDrop
	}

	plaintext, err := p.decryptAndVerify(cs, hdrBytes, h, body)
	if err != nil {
		if err == errSilentDrop {
			return nil, errSilentDrop
		}
		return nil, err
	}

	if len(plaintext) > MaxCompressed {
		return nil, p.fatal(AlertDecompressionFailure, "compressed payload exceeds maximum before decompression")
	}

	decompressed, err := cs.compress.Decompress(nil, plaintext)
	if err != nil || len(decompressed) > MaxCompressed {
		return nil, p.fatal(AlertDecompressionFailure, "decompression failed")
	}

	if len(decompressed) > p.maxFragLen {
		return nil, p.fatal(AlertRecordOverflow, "fragment exceeds negotiated maximum")
	}

	win.Update(h.seq)

	return &Record{
		Type:    h.typ,
		Version: h.version(),
		Epoch:   h.epoch,
		Seq:     h.seq,
		Payload: decompressed,
	}, nil
}

// decryptAndVerify dispatches to AEAD or CBC decrypt, with ETM/MtE
// MAC verification ordered per mode.
func (p *Pipeline) decryptAndVerify(cs *cipherState, hdrBytes []byte, h recordHeader, body []byte) ([]byte, error) {
	switch cs.mode {
	case cipherNull:
		return body, nil
	case cipherAEAD:
		return p.decryptAEAD(cs, hdrBytes, h, body)
	case cipherCBC:
		return p.decryptCBC(cs, h, body)
	default:
		return nil, p.fatal(AlertInternalError, "unknown cipher mode")
	}
}

func combineSeq(epoch Epoch, seq uint64) uint64 {
	return uint64(epoch)<<48 | seq
}

func (p *Pipeline) decryptAEAD(cs *cipherState, hdrBytes []byte, h recordHeader, body []byte) ([]byte, error) {
	explicitLen := cs.explicitIVLen()
	if len(body) < explicitLen+cs.overhead() {
		p.incDrop("aead_too_short")
		return nil, errSilentDrop
	}
	sealed := body[explicitLen:]

	nonce := cs.computeNonce(combineSeq(h.epoch, h.seq))
	pt, err := cs.aead.Open(nil, nonce, sealed, hdrBytes)
	if err != nil {
		// AEAD has no separate MAC step, so an opaque decrypt failure
		// here is always a silent drop, never a distinguishable alert.
		p.incDrop("aead_open_failed")
		return nil, errSilentDrop
	}
	return pt, nil
}

func (p *Pipeline) decryptCBC(cs *cipherState, h recordHeader, body []byte) ([]byte, error) {
	seq := combineSeq(h.epoch, h.seq)

	if len(body) < cs.overhead() {
		p.incDrop("cbc_too_short")
		return nil, errSilentDrop
	}

	if cs.macMode == encryptThenMAC && cs.macAlg != nil {
		macSize := cs.macAlg.Size()
		if len(body) < macSize {
			return nil, p.fatal(AlertDecodeError, "etm record shorter than mac size")
		}
		ciphertext := body[:len(body)-macSize]
		gotMAC := body[len(body)-macSize:]
		aad := macAAD(h.typ, h.version(), seq, len(ciphertext))
		wantMAC := cs.macAlg.Compute(cs.macKey, append(append([]byte{}, aad...), ciphertext...))
		if !constTimeEqual(gotMAC, wantMAC) {
			// ETM failures are not silent: they indicate tampering on
			// an otherwise well-formed, authenticated-length packet.
			return nil, p.fatal(AlertBadRecordMAC, "etm mac mismatch")
		}
		body = ciphertext
	}

	if cs.blockSize == 0 || len(body)%cs.blockSize != 0 || len(body) == 0 {
		p.incDrop("cbc_bad_length")
		return nil, errSilentDrop
	}

	explicitIVLen := cs.explicitIVLen()
	iv := cs.cbcIV
	ciphertext := body
	if explicitIVLen > 0 {
		if len(body) <= explicitIVLen {
			p.incDrop("cbc_short_iv")
			return nil, errSilentDrop
		}
		iv = body[:explicitIVLen]
		ciphertext = body[explicitIVLen:]
	}
	if len(ciphertext) == 0 || len(ciphertext)%cs.blockSize != 0 {
		p.incDrop("cbc_bad_ciphertext_length")
		return nil, errSilentDrop
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(cs.block, iv).CryptBlocks(plain, ciphertext)

	unpaddedLen, ok := stripCBCPadding(plain, cs.blockSize)
	if !ok {
		p.incDrop("cbc_bad_padding")
		return nil, errSilentDrop
	}
	plain = plain[:unpaddedLen]

	if cs.macMode == macThenEncrypt && cs.macAlg != nil {
		macSize := cs.macAlg.Size()
		if len(plain) < macSize {
			p.incDrop("mte_short")
			return nil, errSilentDrop
		}
		msg := plain[:len(plain)-macSize]
		gotMAC := plain[len(plain)-macSize:]
		aad := macAAD(h.typ, h.version(), seq, len(msg))
		wantMAC := cs.macAlg.Compute(cs.macKey, append(append([]byte{}, aad...), msg...))
		if !constTimeEqual(gotMAC, wantMAC) || len(msg) > MaxCompressed+macSize {
			p.incDrop("mte_mac_mismatch")
			return nil, errSilentDrop
		}
		plain = msg
	}

	return plain, nil
}

func constTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func macAAD(typ RecordType, version uint16, seq uint64, length int) []byte {
	b := make([]byte, 0, 13)
	for i := 7; i >= 0; i-- {
		b = append(b, byte(seq>>(uint(i)*8)))
	}
	b = append(b, byte(typ), byte(version>>8), byte(version), byte(length>>8), byte(length))
	return b
}

func stripCBCPadding(plain []byte, blockSize int) (int, bool) {
	if len(plain) == 0 {
		return 0, false
	}
	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return 0, false
	}
	start := len(plain) - 1 - padLen
	ok := 1
	for i := start; i < len(plain); i++ {
		if int(plain[i]) != padLen {
			ok = 0
		}
	}
	if ok == 0 {
		return 0, false
	}
	return start, true
}

// recordOverheadBudget bounds how much bigger than the negotiated
// fragment size an on-wire record may be, covering worst-case
// compression expansion, CBC padding, explicit IV, and MAC/AEAD tag.
const recordOverheadBudget = MaxEncrypted - MaxPlaintext

// WriteRecords implements the write path. Exactly one template is
// accepted: DTLS emits one record per datagram. A retry (a second call
// while a write is outstanding) must supply the identical type and
// payload as the original attempt, or the call fails with a
// bad-write-retry error.
func (p *Pipeline) WriteRecords(tmpl ...WriteTemplate) error {
	if len(tmpl) != 1 {
		return p.fatal(AlertInternalError, errMultiWrite.Error())
	}
	t := tmpl[0]

	if p.pendingWrite != nil {
		pw := p.pendingWrite
		if pw.typ != t.Type || !bytes.Equal(pw.template, t.Payload) {
			return p.fatal(AlertInternalError, errBadWriteRetry.Error())
		}
		return p.attemptFlush()
	}

	record, err := p.prepareRecord(t)
	if err != nil {
		return err
	}
	p.pendingWrite = &pendingWrite{
		buf:      record,
		typ:      t.Type,
		template: append([]byte{}, t.Payload...),
	}
	return p.attemptFlush()
}

func (p *Pipeline) attemptFlush() error {
	pw := p.pendingWrite
	err := p.cfg.Transport.WritePacket(pw.buf)
	if err == ErrWouldBlock {
		return ErrWouldBlock
	}
	p.pendingWrite = nil
	if err != nil {
		// A failed datagram send is silently discarded: datagrams are
		// all-or-nothing from the caller's perspective.
		return nil
	}
	return nil
}

// prepareRecord compresses, MACs (MtE), encrypts, MACs (ETM), and
// patches the header, returning the full on-wire record. It consumes
// exactly one write-sequence number.
func (p *Pipeline) prepareRecord(t WriteTemplate) ([]byte, error) {
	cs := p.writeCipher

	seq, err := cs.nextWriteSeq()
	if err != nil {
		return nil, p.fatal(AlertInternalError, err.Error())
	}

	version := t.Version
	if version == 0 {
		version = p.negotiatedVersion
	}

	compressed, err := cs.compress.Compress(nil, t.Payload)
	if err != nil {
		return nil, p.fatal(AlertInternalError, err.Error())
	}

	combined := combineSeq(cs.epoch, seq)

	var ciphertext []byte
	switch cs.mode {
	case cipherNull:
		ciphertext = compressed
	case cipherAEAD:
		ciphertext, err = p.encryptAEAD(cs, t.Type, version, combined, compressed)
	case cipherCBC:
		ciphertext, err = p.encryptCBC(cs, t.Type, version, combined, compressed)
	default:
		err = p.fatal(AlertInternalError, "unknown cipher mode")
	}
	if err != nil {
		return nil, err
	}

	if len(ciphertext) > MaxEncrypted {
		return nil, p.fatal(AlertInternalError, "record size too big")
	}

	header := encodeHeader(t.Type, version, cs.epoch, seq, uint16(len(ciphertext)))
	return append(header, ciphertext...), nil
}

func (p *Pipeline) encryptAEAD(cs *cipherState, typ RecordType, version uint16, seq uint64, plaintext []byte) ([]byte, error) {
	explicitLen := cs.explicitIVLen()
	localSeq := seq & (1<<48 - 1)
	onWireLen := explicitLen + len(plaintext) + cs.overhead()
	aad := encodeHeader(typ, version, cs.epoch, localSeq, uint16(onWireLen))
	nonce := cs.computeNonce(seq)
	sealed := cs.aead.Seal(nil, nonce, plaintext, aad)
	if explicitLen == 0 {
		return sealed, nil
	}
	out := make([]byte, 0, onWireLen)
	out = append(out, nonce[len(nonce)-explicitLen:]...)
	out = append(out, sealed...)
	return out, nil
}

func (p *Pipeline) encryptCBC(cs *cipherState, typ RecordType, version uint16, seq uint64, plaintext []byte) ([]byte, error) {
	data := make([]byte, 0, len(plaintext)+cs.overhead())
	data = append(data, plaintext...)

	if cs.macMode == macThenEncrypt && cs.macAlg != nil {
		aad := macAAD(typ, version, seq, len(data))
		mac := cs.macAlg.Compute(cs.macKey, append(append([]byte{}, aad...), data...))
		data = append(data, mac...)
	}

	total := len(data) + 1
	pad := (cs.blockSize - total%cs.blockSize) % cs.blockSize
	for i := 0; i < pad; i++ {
		data = append(data, byte(pad))
	}
	data = append(data, byte(pad))

	explicitIVLen := cs.explicitIVLen()
	iv := cs.cbcIV
	if explicitIVLen > 0 {
		iv = make([]byte, explicitIVLen)
		if err := randRead(iv); err != nil {
			return nil, p.fatal(AlertInternalError, err.Error())
		}
	}

	ciphertext := make([]byte, len(data))
	cipher.NewCBCEncrypter(cs.block, iv).CryptBlocks(ciphertext, data)

	out := ciphertext
	if explicitIVLen > 0 {
		out = make([]byte, 0, len(iv)+len(ciphertext))
		out = append(out, iv...)
		out = append(out, ciphertext...)
	}

	if cs.macMode == encryptThenMAC && cs.macAlg != nil {
		aad := macAAD(typ, version, seq, len(out))
		mac := cs.macAlg.Compute(cs.macKey, append(append([]byte{}, aad...), out...))
		out = append(out, mac...)
	}

	return out, nil
}
