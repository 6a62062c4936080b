package mprpc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Handler serves one method. Params arrive as raw slots; the handler
// decodes what it needs and returns a msgpack-encodable result.
type Handler func(params []msgpack.RawMessage) (interface{}, error)

type Server struct {
	logger *zap.Logger

	// Observe, when set, is called after every dispatched request with
	// the method, its start time and the handler's error.
	Observe func(method string, start time.Time, err error)

	mu       sync.Mutex
	handlers map[string]Handler
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Serve accepts connections on ln until Close. Each connection gets its
// own goroutine and may carry any number of sequential requests.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}
		var req request
		if err := msgpack.Unmarshal(body, &req); err != nil {
			s.logger.Warn("undecodable frame", zap.String("remote", remote), zap.Error(err))
			return
		}
		if req.Type != typeRequest {
			s.logger.Warn("unexpected message type", zap.String("remote", remote), zap.Int("type", req.Type))
			return
		}
		s.dispatch(conn, remote, &req)
	}
}

func (s *Server) dispatch(conn net.Conn, remote string, req *request) {
	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	start := time.Now()
	var result interface{}
	var herr error
	if !ok {
		herr = ErrNoMethod
	} else {
		result, herr = s.invoke(h, req)
	}
	if s.Observe != nil {
		s.Observe(req.Method, start, herr)
	}

	resp := wireResponse{Type: typeResponse, MsgID: req.MsgID}
	if herr != nil {
		s.logger.Warn("rpc failed",
			zap.String("method", req.Method),
			zap.String("remote", remote),
			zap.Error(herr))
		resp.Err = herr.Error()
	} else {
		resp.Result = result
	}
	body, err := msgpack.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", zap.String("method", req.Method), zap.Error(err))
		return
	}
	if err := writeFrame(conn, body); err != nil {
		s.logger.Warn("write response", zap.String("remote", remote), zap.Error(err))
	}
}

func (s *Server) invoke(h Handler, req *request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", r))
			err = errors.Errorf("mprpc: internal error in %s", req.Method)
		}
	}()
	return h(req.Params)
}
