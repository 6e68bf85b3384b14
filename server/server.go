// Package server runs the signer's TCP listener: it frames requests with a
// 2-byte big-endian length prefix, caps concurrent connections, and feeds
// each decoded request through the signer handler. Requests within a
// connection are strictly serial; responses are written in request order.
package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/russignol/signer/log"
	"github.com/russignol/signer/protocol"
	"github.com/russignol/signer/signer"
)

// DefaultMaxMessageSize caps a single framed message. The 2-byte length
// prefix cannot express more than 65535 anyway.
const DefaultMaxMessageSize = 65535

// DefaultMaxConnections bounds concurrent client connections; one baker
// rarely needs more than two.
const DefaultMaxConnections = 4

// Error is the connection-fatal failure type: framing violations, timeouts,
// and protocol mismatches that end a connection (but never the process).
type Error struct {
	Kind string
	Size int
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case "timeout":
		return "server: connection timeout"
	case "message_too_large":
		return fmt.Sprintf("server: message too large: %d bytes", e.Size)
	case "http_mismatch":
		return "server: HTTP protocol not supported - use raw TCP (tcp://... or just address)"
	case "io":
		return fmt.Sprintf("server: io error: %v", e.Err)
	default:
		return "server: error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

func errTimeout() *Error              { return &Error{Kind: "timeout"} }
func errMessageTooLarge(n int) *Error { return &Error{Kind: "message_too_large", Size: n} }
func errHTTPMismatch() *Error         { return &Error{Kind: "http_mismatch"} }
func errIO(err error) *Error          { return &Error{Kind: "io", Err: err} }

// Server accepts baker connections and serves the wire protocol.
type Server struct {
	addr    string
	handler *signer.Handler

	timeout        time.Duration // 0 disables read/write deadlines
	maxMessageSize int
	maxConnections int

	connCount atomic.Int32

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	wg  sync.WaitGroup
	log *log.Logger
}

// New builds a server listening on addr once Run is called.
func New(addr string, handler *signer.Handler) *Server {
	return &Server{
		addr:           addr,
		handler:        handler,
		maxMessageSize: DefaultMaxMessageSize,
		maxConnections: DefaultMaxConnections,
		log:            log.Default().Module("server"),
	}
}

// WithTimeout applies a per-request read/write deadline to every
// connection. Zero disables deadlines.
func (s *Server) WithTimeout(d time.Duration) *Server {
	s.timeout = d
	return s
}

// WithMaxMessageSize overrides the framed-message size cap.
func (s *Server) WithMaxMessageSize(n int) *Server {
	s.maxMessageSize = n
	return s
}

// WithMaxConnections overrides the concurrent-connection cap.
func (s *Server) WithMaxConnections(n int) *Server {
	s.maxConnections = n
	return s
}

// Addr returns the listener's bound address, useful when addr was bound to
// port 0. Returns nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds the listener and serves connections until Stop is called or the
// listener fails. It blocks the calling goroutine.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errIO(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	return s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errIO(err)
		}

		if int(s.connCount.Load()) >= s.maxConnections {
			s.log.Warn("connection limit reached, rejecting",
				"limit", s.maxConnections, "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		// The counter is incremented before the worker starts so the limit
		// check above always sees an accurate count; the deferred decrement
		// runs on every worker exit path.
		s.connCount.Add(1)
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer s.connCount.Add(-1)
			defer conn.Close()
			if err := s.handleConnection(conn); err != nil {
				s.log.Warn("connection error", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}(conn)
	}
}

// Stop closes the listener and waits for in-flight connection workers to
// drain. Safe to call before Run and more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

// handleConnection serves framed requests until the client closes the
// connection or a framing-fatal error occurs.
func (s *Server) handleConnection(conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			return errIO(err)
		}
	}

	for first := true; ; first = false {
		msgLen, eof, err := s.readMessageLength(conn, first)
		if err != nil {
			return err
		}
		if eof {
			return nil
		}

		flush, err := s.processRequest(conn, msgLen)
		if err != nil {
			return err
		}
		if flush != nil {
			// The response is on the wire; persisting the watermark now
			// keeps disk latency out of the signing path.
			s.handler.FlushWatermark(*flush)
		}
	}
}

// readMessageLength reads the 2-byte frame length. eof is true when the
// client closed the connection cleanly before sending another request. On
// the first frame of a connection, length bytes that look like the start of
// an HTTP verb are diagnosed as a protocol mismatch instead of being
// treated as a frame length.
func (s *Server) readMessageLength(conn net.Conn, first bool) (n int, eof bool, err error) {
	if err := s.applyDeadline(conn); err != nil {
		return 0, false, errIO(err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, true, nil
		}
		if isTimeout(err) {
			return 0, false, errTimeout()
		}
		return 0, false, errIO(err)
	}

	if first && isHTTPVerbPrefix(lenBuf) {
		s.log.Error("client sent HTTP to the raw TCP signer endpoint",
			"hint", "change the baker endpoint from http://... to tcp://...")
		return 0, false, errHTTPMismatch()
	}

	msgLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if msgLen > s.maxMessageSize {
		return 0, false, errMessageTooLarge(msgLen)
	}
	return msgLen, false, nil
}

// isHTTPVerbPrefix reports whether the two bytes match the start of "GET ",
// "POST", or "HEAD" -- a baker misconfigured with an http:// endpoint.
func isHTTPVerbPrefix(lenBuf [2]byte) bool {
	for _, verb := range []string{"GET ", "POST", "HEAD"} {
		if bytes.HasPrefix([]byte(verb), lenBuf[:]) {
			return true
		}
	}
	return false
}

func (s *Server) applyDeadline(conn net.Conn) error {
	if s.timeout == 0 {
		return nil
	}
	// Deadlines are absolute, so a fresh one is computed per request rather
	// than once at connection start.
	return conn.SetDeadline(time.Now().Add(s.timeout))
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// processRequest reads one message body, dispatches it, and writes the
// response frame. Per-request handler failures become Error responses; only
// framing-level failures propagate and end the connection.
func (s *Server) processRequest(conn net.Conn, msgLen int) (*signer.FlushTarget, error) {
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, msg); err != nil {
		if isTimeout(err) {
			return nil, errTimeout()
		}
		return nil, errIO(err)
	}

	var (
		resp  protocol.Response
		flush *signer.FlushTarget
	)
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		resp = protocol.ErrorResponse{Message: err.Error()}
	} else {
		resp, flush, err = s.handler.Handle(req)
		if err != nil {
			resp = protocol.ErrorResponse{Message: err.Error()}
			flush = nil
		}
	}

	respData, err := protocol.EncodeResponse(resp)
	if err != nil {
		return nil, errIO(err)
	}
	if len(respData) > DefaultMaxMessageSize {
		return nil, errMessageTooLarge(len(respData))
	}

	if err := s.applyDeadline(conn); err != nil {
		return nil, errIO(err)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(respData)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, errIO(err)
	}
	if _, err := conn.Write(respData); err != nil {
		return nil, errIO(err)
	}

	return flush, nil
}
