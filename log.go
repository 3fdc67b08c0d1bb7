package recordlayer

import "go.uber.org/zap"

// logEvent is a small enum that decides both the zap level and
// whether a log call is even worth formatting.
type logEvent uint8

const (
	logEventIO logEvent = iota
	logEventCrypto
	logEventDrop
	logEventReplay
	logEventAlert
)

// logf backs every logging call site with a *zap.Logger. A nil logger
// is the default (equivalent to zap.NewNop()) and every call is a
// no-op, so constructing a Pipeline never requires a logger.
func logf(log *zap.Logger, ev logEvent, msg string, fields ...zap.Field) {
	if log == nil {
		return
	}
	switch ev {
	case logEventAlert:
		log.Warn(msg, fields...)
	case logEventDrop, logEventReplay:
		// Drops are expected background noise on an adversarial
		// datagram socket; never above Debug, or logging itself
		// becomes an amplification vector.
		log.Debug(msg, fields...)
	default:
		log.Debug(msg, fields...)
	}
}
