package protocol

// Size limits enforced at the codec boundary. They bound memory per
// envelope before any payload decoding happens.
const (
	// MaxEnvelopeSize is the largest serialized envelope accepted on any
	// channel. Full-sync snapshots are the biggest legitimate payloads;
	// 256 KiB leaves generous headroom for them while keeping one bad
	// sender from ballooning receive buffers.
	MaxEnvelopeSize = 256 * 1024

	// MaxMethodLength bounds RPC method names.
	MaxMethodLength = 128

	// MaxRoomIDLength bounds room identifiers.
	MaxRoomIDLength = 64

	// MaxDisplayNameLength bounds peer display names; longer names are
	// truncated rather than rejected.
	MaxDisplayNameLength = 64
)
