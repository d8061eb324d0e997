package api

import (
	"bufio"
	"context"
	"errors"
	"net"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
)

// maxLineBytes bounds a single request line. Domain XML never travels in
// requests, so this is generous.
const maxLineBytes = 1 << 20

// Server accepts connections on the engine's stream socket and feeds each
// line to the dispatcher. Reads are serialized per connection; responses
// may interleave across connections as workers complete.
type Server struct {
	dispatcher *Dispatcher
}

func NewServer(d *Dispatcher) *Server {
	return &Server{dispatcher: d}
}

// Serve runs the accept loop until the listener closes or ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	client := newClient(conn)
	defer client.release() // read loop's reference

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.dispatcher.DispatchLine(scanner.Bytes(), client)
	}
	if err := scanner.Err(); err != nil {
		logging.Op().Debug("connection read ended", "error", err)
	}
}
