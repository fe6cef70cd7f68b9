package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/openshaper/shaperd/pkg/log"
)

// Handler answers one decoded request. Implementations must be safe
// for concurrent use; each connection is served on its own goroutine
// but requests within a connection are answered in arrival order.
type Handler func(Request) Reply

// Server accepts bus connections on a Unix-domain socket.
type Server struct {
	path     string
	handler  Handler
	listener net.Listener
}

// NewServer binds the socket, replacing a stale file from a previous
// run. A bind failure is fatal for the caller.
func NewServer(path string, handler Handler) (*Server, error) {
	_ = os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding bus socket %s: %w", path, err)
	}
	return &Server{path: path, handler: handler, listener: listener}, nil
}

// Serve accepts connections until the context ends.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		requestID, payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Logger.Debug().Err(err).Msg("bus connection closed")
			}
			return
		}
		request, err := DecodeRequest(payload)
		var reply Reply
		if err != nil {
			// Answer with a decode failure, then drop the connection:
			// framing state can no longer be trusted.
			reply = Fail(fmt.Sprintf("decode error: %v", err))
			s.writeReply(conn, requestID, reply)
			return
		}
		reply = s.handler(request)
		if !s.writeReply(conn, requestID, reply) {
			return
		}
	}
}

func (s *Server) writeReply(conn net.Conn, requestID uint64, reply Reply) bool {
	encoded, err := EncodeReply(reply)
	if err != nil {
		log.Logger.Error().Err(err).Msg("bus reply encode failed")
		return false
	}
	if err := WriteFrame(conn, requestID, encoded); err != nil {
		log.Logger.Debug().Err(err).Msg("bus reply write failed")
		return false
	}
	return true
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}
