package bus

import (
	"fmt"
	"net"
	"sync"
)

// Client is a reconnecting bus caller. Calls are serialized; the
// server preserves per-connection ordering, so a matching request ID is
// always the next frame back.
type Client struct {
	mu     sync.Mutex
	path   string
	conn   net.Conn
	nextID uint64
}

// NewClient prepares a client; the socket is dialed lazily.
func NewClient(path string) *Client {
	return &Client{path: path}
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("dialing bus socket %s: %w", c.path, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Call sends one request and waits for its reply. A transport error
// drops the connection; the next call redials.
func (c *Client) Call(request Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return Reply{}, err
	}
	c.nextID++
	requestID := c.nextID

	payload, err := EncodeRequest(request)
	if err != nil {
		return Reply{}, err
	}
	if err := WriteFrame(c.conn, requestID, payload); err != nil {
		c.dropConn()
		return Reply{}, err
	}

	replyID, raw, err := ReadFrame(c.conn)
	if err != nil {
		c.dropConn()
		return Reply{}, err
	}
	if replyID != requestID {
		// An unsolicited reply means the stream is out of sync.
		c.dropConn()
		return Reply{}, fmt.Errorf("reply id %d does not match request id %d", replyID, requestID)
	}
	return DecodeReply(raw)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
}
