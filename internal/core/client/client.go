package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/packets"
)

// ErrSendQueueFull is returned by Send when the client's outbound queue has
// filled up, which means the consumer is too slow to keep up with the server.
var ErrSendQueueFull = errors.New("outbound queue full")

// Conn is the subset of connection behavior the gateway relies on. It is
// satisfied by *net.TCPConn and by the adapter wrapping WebSocket connections.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// Client represents one connected game client.
type Client struct {
	connection Conn
	ipAddr     string
	port       string

	// Cipher implementation responsible for packet encryption.
	CryptoSession CryptoSession

	// ID of the session this connection is attached to, once authenticated.
	SessionID string

	// Debugging information used for logging purposes.
	DebugTags map[string]interface{}

	// sendMu serializes encryption and enqueueing so that the cipher stream
	// position always matches the order packets enter the queue.
	sendMu    sync.Mutex
	sendQueue chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(connection Conn, queueSize int) *Client {
	addr := strings.Split(connection.RemoteAddr().String(), ":")

	c := &Client{
		connection: connection,
		ipAddr:     addr[0],
		DebugTags:  make(map[string]interface{}),
		sendQueue:  make(chan []byte, queueSize),
		closed:     make(chan struct{}),
	}
	if len(addr) > 1 {
		c.port = addr[1]
	}
	return c
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Read consumes the available bytes directly from the client's connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Close tears down the connection and stops the writer. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.connection.Close()
	})
	return err
}

// Closed reports whether the client has been torn down.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendRaw queues all data in the packet for the client as-is (e.g. without
// encrypting it first). Only the Welcome packet should be sent this way.
func (c *Client) SendRaw(packet interface{}) error {
	data, size := bytes.BytesFromStruct(packet)
	data, _ = adjustPacketLength(data, uint16(size), packets.HeaderSize)
	return c.enqueue(data)
}

// Send converts a packet struct to bytes, pads it to the protocol alignment,
// and encrypts it with the session key before queueing it for the client.
func (c *Client) Send(packet interface{}) error {
	data, length := bytes.BytesFromStruct(packet)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, size := adjustPacketLength(data, uint16(length), c.CryptoSession.HeaderSize())
	c.CryptoSession.Encrypt(data, uint32(size))
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed: %s", c.ipAddr)
	case c.sendQueue <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// StartWriter drains the outbound queue in FIFO order until the client is
// closed. A single write stalled past stalledTimeout counts as a dead
// consumer and tears the connection down. Runs on its own goroutine.
func (c *Client) StartWriter(stalledTimeout time.Duration, onError func(error)) {
	go func() {
		for {
			select {
			case <-c.closed:
				return
			case data := <-c.sendQueue:
				if err := c.transmit(data, stalledTimeout); err != nil {
					onError(err)
					_ = c.Close()
					return
				}
			}
		}
	}()
}

// transmit writes the contents of data to the connection until the number of
// bytes written >= len(data).
func (c *Client) transmit(data []byte, stalledTimeout time.Duration) error {
	if err := c.connection.SetWriteDeadline(time.Now().Add(stalledTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline for %v: %w", c.ipAddr, err)
	}

	bytesSent := 0
	for bytesSent < len(data) {
		b, err := c.connection.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.ipAddr, err)
		}
		bytesSent += b
	}
	return nil
}

// adjustPacketLength pads the length of a packet to a multiple of the header
// length and adjusts the first two bytes of the header to the corrected size
// (may be a no-op). The frame reader on both sides depends on this alignment.
func adjustPacketLength(data []byte, length uint16, headerSize uint16) ([]byte, uint16) {
	for length%headerSize != 0 {
		length++
		data = append(data, 0)
	}

	data[0] = byte(length & 0xFF)
	data[1] = byte((length & 0xFF00) >> 8)

	return data, length
}
