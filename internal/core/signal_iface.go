package core

// Frame is a raw signaling payload, already encoded for the wire.
type Frame []byte

// SignalConnection abstracts the per-user signaling transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
