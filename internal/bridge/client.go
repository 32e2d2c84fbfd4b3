package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/phoenixguard/sentinel/pkg/types"
)

// Transport carries one request message and returns the response message.
type Transport interface {
	RoundTrip(ctx context.Context, msg []byte) ([]byte, error)
	Close() error
}

// StatusError is a non-success bridge response. It unwraps to the taxonomy error.
type StatusError struct {
	Command Command
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge %s: %s", e.Command, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Status.Err() }

// connTransport speaks the framed socket protocol over a stream connection.
type connTransport struct {
	mu    sync.Mutex
	conn  net.Conn
	limit int
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{conn: conn, limit: DefaultBufferSize}
}

func (t *connTransport) RoundTrip(ctx context.Context, msg []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(dl)
		defer t.conn.SetDeadline(time.Time{})
	}
	if err := WriteFrame(t.conn, msg); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	resp, err := ReadFrame(t.conn, t.limit)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (t *connTransport) Close() error { return t.conn.Close() }

// Client issues bridge commands over a Transport.
type Client struct {
	t Transport
}

func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// DialUnix connects to a bridge socket.
func DialUnix(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge %s: %w", path, err)
	}
	return NewClient(NewConnTransport(conn)), nil
}

func (c *Client) Close() error { return c.t.Close() }

// Call sends a raw command and returns the response payload.
func (c *Client) Call(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	resp, err := c.t.RoundTrip(ctx, EncodeRequest(cmd, payload))
	if err != nil {
		return nil, err
	}
	h, out, err := DecodeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("bad response: %w", err)
	}
	if h.Status != StatusSuccess {
		return nil, &StatusError{Command: cmd, Status: h.Status}
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (StatusPayload, error) {
	p, err := c.Call(ctx, CmdGetStatus, nil)
	if err != nil {
		return StatusPayload{}, err
	}
	return ParseStatus(p)
}

func (c *Client) Logs(ctx context.Context) ([]types.AuditRecord, error) {
	p, err := c.Call(ctx, CmdGetLogs, nil)
	if err != nil {
		return nil, err
	}
	return ParseLogs(p)
}

// Decoy fetches up to n bytes of the decoy image. n <= 0 asks for the maximum.
func (c *Client) Decoy(ctx context.Context, n int) ([]byte, error) {
	var payload []byte
	if n > 0 {
		payload = encodeU32(uint32(n))
	}
	return c.Call(ctx, CmdGetDecoy, payload)
}

func (c *Client) FlashRead(ctx context.Context, addr uint64, size uint32) ([]byte, error) {
	p, err := FlashRequest{Address: addr, Size: size}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, CmdFlashRead, p)
}

func (c *Client) FlashWrite(ctx context.Context, addr uint64, data []byte) error {
	p, err := FlashRequest{Address: addr, Size: uint32(len(data)), Write: true, Data: data}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, CmdFlashWrite, p)
	return err
}

func (c *Client) SetMode(ctx context.Context, m types.Mode) error {
	_, err := c.Call(ctx, CmdSetMode, encodeU32(uint32(m)))
	return err
}

// Report returns the JSON forensic report.
func (c *Client) Report(ctx context.Context) ([]byte, error) {
	return c.Call(ctx, CmdExportReport, nil)
}

func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Call(ctx, CmdReset, nil)
	return err
}
