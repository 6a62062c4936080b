package mixer

// Mixable bridges the mixer to the node's model. The mixer provides the
// locking: GetArgument and Pull run under the model read lock, Push
// under the model write lock. Payloads are opaque to the mixer and must
// be encoded identically by every node of one (type, name).
type Mixable interface {
	// GetArgument serializes a descriptor of the local state, sent to a
	// peer so it can compute a minimal diff.
	GetArgument() ([]byte, error)

	// Pull computes the diff a remote peer should receive, given that
	// peer's argument.
	Pull(arg []byte) ([]byte, error)

	// Push applies a peer-produced diff to the local model.
	Push(diff []byte) error
}
