package recordlayer

import "go.uber.org/zap"

// Role identifies which end of the connection this layer serves.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// Direction identifies which half of the connection this layer
// handles.
type Direction uint8

const (
	DirectionWrite Direction = 1
	DirectionRead  Direction = 2
)

// KeyingMaterial is the key schedule output handed to Rekey; key
// schedule derivation itself lives outside this package.
type KeyingMaterial struct {
	Key    []byte
	IV     []byte
	MACKey []byte
}

// Config carries every downward-injected dependency a Pipeline needs
// at construction. Cipher/MAC primitives, the handshake state machine,
// and socket I/O proper remain external collaborators; only typed
// handles cross this boundary.
type Config struct {
	Role      Role
	Direction Direction
	Transport Transport

	// ProtocolVersion is the initially-configured DTLS wire version
	// (e.g. 0xfefd for DTLS 1.2). Zero means "undetermined": the exact
	// version check on later records is skipped until
	// SetProtocolVersion is called. The major byte is checked against
	// the DTLS major either way.
	ProtocolVersion uint16

	// MaxFragmentLen is the negotiated maximum plaintext fragment
	// length; zero means "use MaxPlaintext".
	MaxFragmentLen int

	// InitialEpoch is almost always 0 (cleartext); non-zero only when
	// a layer is constructed mid-connection to take over from a
	// predecessor that migrated its leftover bytes to it.
	InitialEpoch Epoch

	// Compression, if non-nil, is installed on the initial cipher
	// state; nullCompression otherwise.
	Compression CompressionMethod

	Log     *zap.Logger
	Metrics *Metrics

	// OnAlert, if set, is invoked whenever a fatal alert is raised.
	OnAlert func(*FatalAlert)
}
