package recordlayer

import (
	"errors"
	"fmt"
)

// AlertDescription is a TLS/DTLS alert description code, as surfaced to
// the peer and to the caller via GetAlertCode.
type AlertDescription uint8

const (
	AlertBadRecordMAC         AlertDescription = 20
	AlertRecordOverflow       AlertDescription = 22
	AlertDecompressionFailure AlertDescription = 30
	AlertDecodeError          AlertDescription = 50
	AlertInternalError        AlertDescription = 80
)

func (a AlertDescription) String() string {
	switch a {
	case AlertBadRecordMAC:
		return "bad_record_mac"
	case AlertRecordOverflow:
		return "record_overflow"
	case AlertDecompressionFailure:
		return "decompression_failure"
	case AlertDecodeError:
		return "decode_error"
	case AlertInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("alert(%d)", uint8(a))
	}
}

// FatalAlert is returned from the pipeline when an error must be
// surfaced to the peer and to the caller. Everything else is either a
// silent drop (no error reaches the caller) or ErrWouldBlock (transport
// retry, not an error).
type FatalAlert struct {
	Alert  AlertDescription
	Reason string
}

func (e *FatalAlert) Error() string {
	return fmt.Sprintf("dtls: fatal alert %s: %s", e.Alert, e.Reason)
}

// raiseFatal is the single fatal-raise site every fatal path in the
// pipeline funnels through, so that GetAlertCode always reflects the
// most recent fatal condition.
func raiseFatal(alert AlertDescription, reason string) *FatalAlert {
	return &FatalAlert{Alert: alert, Reason: reason}
}

var (
	// errSilentDrop is never returned to a caller. It signals the
	// internal read loop to discard the current packet and retry.
	errSilentDrop = errors.New("recordlayer: silent drop")

	// ErrWouldBlock indicates the transport had no more data ready;
	// not an error, the pipeline's internal state is preserved and the
	// caller should re-drive once the transport is readable again.
	ErrWouldBlock = errors.New("recordlayer: would block")

	// errBadWriteRetry is raised when a retried write does not match
	// the (type, payload) pair of the original attempt.
	errBadWriteRetry = errors.New("recordlayer: bad write retry")

	// errMultiWrite is raised when a caller attempts to batch more
	// than one write template per WriteRecords call; DTLS emits one
	// record per datagram.
	errMultiWrite = errors.New("recordlayer: multiple templates rejected, DTLS emits one record per datagram")

	// errSeqExhausted signals the 48-bit per-epoch write sequence
	// counter has reached its ceiling; the caller must rekey.
	errSeqExhausted = errors.New("recordlayer: write sequence number exhausted, rekey required")

	// errDecompressOverflow signals a decompressed payload exceeded
	// MaxCompressed; the pipeline maps this to a fatal
	// decompression_failure alert.
	errDecompressOverflow = errors.New("recordlayer: decompressed payload too large")
)
