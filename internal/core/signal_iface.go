package core

// Frame is an encoded outbound message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend must never block: a full queue is reported as ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
