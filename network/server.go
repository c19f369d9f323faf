package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// ServerOptions configures the perimeter listener.
type ServerOptions struct {
	TLSConfig         *tls.Config
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return o
}

// Server serves the perimeter endpoints over HTTP.
type Server struct {
	listener net.Listener
	http     *http.Server
	options  ServerOptions

	errs chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving handler.
func Listen(address string, handler http.Handler, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	if opts.TLSConfig != nil {
		listener = tls.NewListener(listener, opts.TLSConfig)
	}

	server := &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
		},
		options: opts,
		errs:    make(chan error, 16),
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close drains in-flight requests and stops the listener.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			closeErr = err
			_ = s.http.Close()
		}
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.http.Serve(s.listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- fmt.Errorf("serve perimeter: %w", err):
	default:
	}
}
