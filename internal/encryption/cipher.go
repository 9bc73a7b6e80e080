// Package encryption implements the session ciphers used to protect game
// traffic between the gateway and clients.
//
// Each side of a connection holds a pair of AES-CTR stream ciphers seeded
// from vectors exchanged in the (unencrypted) welcome packet. CTR mode keeps
// encrypt and decrypt symmetric so the same code path handles both
// directions, and it imposes no block padding requirements on the framing
// layer beyond the header alignment the protocol already requires.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// VectorSize is the length in bytes of a cipher seed vector: a 16 byte AES
// key followed by a 16 byte initialization vector.
const VectorSize = 32

// SessionCipher encrypts or decrypts packet data in place for one direction
// of a client connection.
type SessionCipher struct {
	// Vector is the seed exchanged with the peer during the handshake.
	Vector []byte

	stream cipher.Stream
}

// NewSessionCipher returns a SessionCipher seeded from a randomly generated vector.
func NewSessionCipher() *SessionCipher {
	vector := make([]byte, VectorSize)
	if _, err := rand.Read(vector); err != nil {
		// An unreadable system entropy source is not something we can limp along with.
		panic(fmt.Errorf("error generating cipher vector: %w", err))
	}

	c, err := NewSessionCipherFromVector(vector)
	if err != nil {
		panic(err)
	}
	return c
}

// NewSessionCipherFromVector returns a SessionCipher seeded from a vector
// received from the peer during the handshake.
func NewSessionCipherFromVector(vector []byte) (*SessionCipher, error) {
	if len(vector) != VectorSize {
		return nil, fmt.Errorf("invalid cipher vector size: %d", len(vector))
	}

	block, err := aes.NewCipher(vector[:16])
	if err != nil {
		return nil, fmt.Errorf("error initializing cipher: %w", err)
	}

	return &SessionCipher{
		Vector: vector,
		stream: cipher.NewCTR(block, vector[16:]),
	}, nil
}

// Process encrypts (or decrypts) length bytes of data in place. The cipher
// stream advances with every call, so both peers must process exactly the
// same byte ranges in the same order.
func (c *SessionCipher) Process(data []byte, length uint32) {
	c.stream.XORKeyStream(data[:length], data[:length])
}
