package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/phoenixguard/sentinel/pkg/ratelimit"
)

// Socket framing: [4 bytes little-endian length][message]. The write of a
// request frame plays the role of the doorbell.
const frameHeaderSize = 4

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, msg []byte) error {
	frame := make([]byte, frameHeaderSize+len(msg))
	binary.LittleEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[frameHeaderSize:], msg)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed message of at most limit bytes.
// Returns io.EOF if the connection is closed between frames.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, limit)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SocketServer exposes a Bridge over a stream listener.
type SocketServer struct {
	Bridge *Bridge
	// RatePerSecond and Burst throttle each connection. Zero disables throttling.
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger

	wg sync.WaitGroup
}

func (s *SocketServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *SocketServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger().Warn("bridge: connection closed with error", "error", err)
			}
		}()
	}
}

// ServeConn handles request frames on conn until it is closed.
func (s *SocketServer) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	limiter := ratelimit.NewLimiter(s.RatePerSecond, s.Burst)
	limit := s.Bridge.BufferSize()
	for {
		msg, err := ReadFrame(conn, limit)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var resp []byte
		if !limiter.Allow() {
			h, _ := ParseHeader(msg)
			resp = EncodeResponse(h.Command, StatusNotReady, nil)
		} else {
			resp = s.Bridge.Handle(msg)
		}
		if err := WriteFrame(conn, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// ListenUnix creates a unix socket listener at path, replacing a stale socket file.
func ListenUnix(path string, perm os.FileMode) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	return ln, nil
}
