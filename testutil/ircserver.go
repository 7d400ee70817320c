// Package testutil provides test doubles for the chat transport.
package testutil

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeIRCServer is an in-process line-protocol server on a loopback listener.
// It records every line clients send, can push lines back (PINGs, chat), and
// can drop connections on demand to simulate network failures.
type FakeIRCServer struct {
	ln net.Listener

	mu    sync.Mutex
	lines []string
	times []time.Time
	conns []net.Conn

	connCh chan net.Conn
}

// NewFakeIRCServer starts a server and registers cleanup with t.
func NewFakeIRCServer(t *testing.T) *FakeIRCServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &FakeIRCServer{ln: ln, connCh: make(chan net.Conn, 16)}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *FakeIRCServer) Addr() string { return s.ln.Addr().String() }

func (s *FakeIRCServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.readLoop(c)
		s.connCh <- c
	}
}

func (s *FakeIRCServer) readLoop(c net.Conn) {
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			s.mu.Lock()
			s.lines = append(s.lines, trimmed)
			s.times = append(s.times, time.Now())
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// WaitConn blocks until a client connects and returns that connection.
func (s *FakeIRCServer) WaitConn(t *testing.T, timeout time.Duration) net.Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(timeout):
		t.Fatalf("no client connected within %v", timeout)
		return nil
	}
}

// Push writes a protocol line (CRLF appended) to the given client connection.
func (s *FakeIRCServer) Push(t *testing.T, c net.Conn, line string) {
	t.Helper()
	if _, err := c.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("failed to push line: %v", err)
	}
}

// Lines returns a snapshot of all lines received so far.
func (s *FakeIRCServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// LineTimes returns receive timestamps aligned with Lines.
func (s *FakeIRCServer) LineTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

// WaitForLine polls until a received line contains substr.
func (s *FakeIRCServer) WaitForLine(t *testing.T, substr string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, l := range s.Lines() {
			if strings.Contains(l, substr) {
				return l
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no line containing %q within %v; got %v", substr, timeout, s.Lines())
	return ""
}

// WaitForLineCount polls until at least n lines matching substr were received.
func (s *FakeIRCServer) WaitForLineCount(t *testing.T, substr string, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		matched := s.matching(substr)
		if len(matched) >= n {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d lines containing %q within %v; got %v", n, substr, timeout, s.matching(substr))
	return nil
}

func (s *FakeIRCServer) matching(substr string) []string {
	var out []string
	for _, l := range s.Lines() {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

// DropConnections closes every live client connection, simulating a network
// failure while leaving the listener up for reconnects.
func (s *FakeIRCServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *FakeIRCServer) Close() {
	_ = s.ln.Close()
	s.DropConnections()
}
