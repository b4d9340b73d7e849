package tarpit

import "crypto/rand"

// ByteSource supplies the single opaque byte written per emission. The
// core places no constraint on the value; randomness is a property of
// the implementation, not of this contract.
type ByteSource interface {
	// NextByte returns one byte. An error indicates the source itself
	// failed; it never means the peer is gone.
	NextByte() (byte, error)
}

// randByteSource draws bytes from crypto/rand.
type randByteSource struct{}

// NewRandByteSource returns a ByteSource backed by the operating
// system's random number generator.
func NewRandByteSource() ByteSource {
	return randByteSource{}
}

// NextByte implements ByteSource.
func (randByteSource) NextByte() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

// fixedByteSource always returns the same byte. Useful for deterministic
// output in tests.
type fixedByteSource struct {
	b byte
}

// NewFixedByteSource returns a ByteSource that always emits b.
func NewFixedByteSource(b byte) ByteSource {
	return fixedByteSource{b: b}
}

// NextByte implements ByteSource.
func (f fixedByteSource) NextByte() (byte, error) {
	return f.b, nil
}
