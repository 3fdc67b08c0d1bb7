package recordlayer

// Epoch is a 16-bit key-generation counter; it advances by one on
// each cipher change. Epoch 0 is always cleartext.
type Epoch uint16

// windowKind identifies which of the two live replay windows a routed
// record belongs to.
type windowKind uint8

const (
	currentWindow windowKind = iota
	nextWindow
)

// routeEpoch inspects a parsed record's epoch and type against the
// layer's current epoch and the unprocessed deferred queue, and
// decides which replay window (if any) the record should be checked
// against. It never consults the queue's contents, only the epoch tag
// it was last buffered under, per DeferredRecordQueue.RecordedEpoch.
//
// The next window is consulted only for handshake and alert records:
// application data can never legitimately arrive before its epoch's
// keys are installed (a DTLS peer does not send app data ahead of
// CCS), so routing it to the next epoch would only serve an attacker
// scanning for oracle behavior.
func routeEpoch(current Epoch, recordEpoch Epoch, t RecordType, unprocessed *DeferredRecordQueue) (kind windowKind, isNext bool, ok bool) {
	if recordEpoch == current {
		return currentWindow, false, true
	}

	if recordEpoch != current+1 {
		return 0, false, false
	}

	if t != RecordTypeHandshake && t != RecordTypeAlert {
		return 0, false, false
	}

	// Reject routing into a queue that still holds a stale backlog
	// from a prior epoch generation that was never drained (e.g. two
	// rekeys happened before the intervening epoch's records were
	// processed). Accepting here would intermix two different
	// "next epoch" generations in one priority space.
	if qe, has := unprocessed.RecordedEpoch(); has && qe != recordEpoch {
		return 0, false, false
	}

	return nextWindow, true, true
}
