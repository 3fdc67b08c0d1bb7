package recordlayer

// Transport is the downward-injected datagram capability a Pipeline
// borrows for its lifetime; it does not own it. Modeling it as a
// borrowed capability rather than an owned handle avoids a reference
// cycle back through the connection that owns both ends.
//
// One ReadPacket call returns exactly one received datagram's bytes,
// matching DTLS's all-or-nothing datagram semantics: a record never
// spans multiple datagrams, and fragment reassembly across records is
// the handshake layer's job, not this one's.
type Transport interface {
	// ReadPacket returns the next available datagram, ErrWouldBlock if
	// none is pending, or io.EOF if the transport is closed.
	ReadPacket() ([]byte, error)

	// WritePacket emits b as a single datagram.
	WritePacket(b []byte) error

	// Reliable reports whether the transport is a reliable, ordered
	// datagram service (e.g. SCTP). When true, the pipeline skips the
	// replay check entirely.
	Reliable() bool
}

// frameReader buffers the current unconsumed datagram and serves
// fixed-size header/body reads from it. It never spans datagrams: a
// short read discards the rest of the current packet rather than
// waiting for more bytes, since a DTLS record never continues into the
// next datagram.
type frameReader struct {
	headerLen int
	pkt       []byte
}

func newFrameReader(headerLen int) *frameReader {
	return &frameReader{headerLen: headerLen}
}

// ensurePacket pulls a new datagram from t if none is currently
// buffered. Returns ErrWouldBlock or io.EOF unchanged.
func (f *frameReader) ensurePacket(t Transport) error {
	if len(f.pkt) > 0 {
		return nil
	}
	pkt, err := t.ReadPacket()
	if err != nil {
		return err
	}
	f.pkt = pkt
	return nil
}

// takeHeader consumes RecordHeaderLen bytes from the buffered packet.
// A short packet is discarded entirely (ok=false).
func (f *frameReader) takeHeader() (hdr []byte, ok bool) {
	if len(f.pkt) < f.headerLen {
		f.pkt = nil
		return nil, false
	}
	hdr = f.pkt[:f.headerLen]
	f.pkt = f.pkt[f.headerLen:]
	return hdr, true
}

// takeBody consumes n bytes from the buffered packet. A short packet
// is discarded entirely (ok=false).
func (f *frameReader) takeBody(n int) (body []byte, ok bool) {
	if len(f.pkt) < n {
		f.pkt = nil
		return nil, false
	}
	body = f.pkt[:n]
	f.pkt = f.pkt[n:]
	return body, true
}

// discard drops whatever remains of the current packet, used on any
// silent-drop path that doesn't consume the rest via takeBody.
func (f *frameReader) discard() {
	f.pkt = nil
}

// leftover returns whatever bytes remain unconsumed, for migration to
// a successor transport at teardown.
func (f *frameReader) leftover() []byte {
	return f.pkt
}
