// Package recordlayer implements the DTLS record layer: the subsystem
// that turns an unreliable, unordered datagram stream into an
// authenticated, replay-resistant stream of typed protocol records
// (handshake, change-cipher-spec, alert, application data).
//
// It does not implement the DTLS handshake state machine, cipher or MAC
// primitives, or certificate handling; those are injected as interfaces
// (Transport, AEADFactory, MACAlgorithm, CompressionMethod) at
// construction time.
package recordlayer
