package client

import (
	"github.com/crucible-gg/crucible/internal/encryption"
	"github.com/crucible-gg/crucible/internal/packets"
)

// CryptoSession is an interface for the cryptographic operations required to
// exchange packets between a game client and the server. It consists of two
// ciphers, one for each direction of the connection.
type CryptoSession interface {
	// HeaderSize returns the length of the header of all client packets.
	HeaderSize() uint16

	// Encrypt encrypts bytes in place with the encryption key for the server.
	Encrypt(bytes []byte, length uint32)

	// Decrypt decrypts bytes in place with the encryption key for the client.
	Decrypt(bytes []byte, length uint32)

	// ServerVector returns the seed for the cipher encrypting server packets.
	ServerVector() []byte

	// ClientVector returns the seed for the cipher encrypting client packets.
	ClientVector() []byte
}

type gatewayCryptoSession struct {
	clientCipher *encryption.SessionCipher
	serverCipher *encryption.SessionCipher
}

// NewCryptoSession returns a CryptoSession with newly seeded ciphers for one
// client connection. The vectors must be shared with the client in the
// Welcome packet before any encrypted traffic is exchanged.
func NewCryptoSession() CryptoSession {
	return &gatewayCryptoSession{
		serverCipher: encryption.NewSessionCipher(),
		clientCipher: encryption.NewSessionCipher(),
	}
}

func (c *gatewayCryptoSession) HeaderSize() uint16 {
	return packets.HeaderSize
}

func (c *gatewayCryptoSession) Encrypt(bytes []byte, length uint32) {
	c.serverCipher.Process(bytes, length)
}

func (c *gatewayCryptoSession) Decrypt(bytes []byte, length uint32) {
	c.clientCipher.Process(bytes, length)
}

func (c *gatewayCryptoSession) ServerVector() []byte {
	return c.serverCipher.Vector
}

func (c *gatewayCryptoSession) ClientVector() []byte {
	return c.clientCipher.Vector
}

// peerCryptoSession is the client-side counterpart of a gateway session:
// it encrypts with the client cipher and decrypts with the server cipher.
// Used by tests and by anything speaking the protocol as a client.
type peerCryptoSession struct {
	clientCipher *encryption.SessionCipher
	serverCipher *encryption.SessionCipher
}

// NewPeerCryptoSession builds a CryptoSession from the vectors received in a
// Welcome packet.
func NewPeerCryptoSession(serverVector, clientVector []byte) (CryptoSession, error) {
	serverCipher, err := encryption.NewSessionCipherFromVector(serverVector)
	if err != nil {
		return nil, err
	}
	clientCipher, err := encryption.NewSessionCipherFromVector(clientVector)
	if err != nil {
		return nil, err
	}
	return &peerCryptoSession{clientCipher: clientCipher, serverCipher: serverCipher}, nil
}

func (c *peerCryptoSession) HeaderSize() uint16 {
	return packets.HeaderSize
}

func (c *peerCryptoSession) Encrypt(bytes []byte, length uint32) {
	c.clientCipher.Process(bytes, length)
}

func (c *peerCryptoSession) Decrypt(bytes []byte, length uint32) {
	c.serverCipher.Process(bytes, length)
}

func (c *peerCryptoSession) ServerVector() []byte {
	return c.serverCipher.Vector
}

func (c *peerCryptoSession) ClientVector() []byte {
	return c.clientCipher.Vector
}
