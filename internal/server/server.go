// Package server accepts inverter dongle TCP connections and runs one
// query-engine worker per connection.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voltronic-mqtt-bridge/internal/engine"
	"voltronic-mqtt-bridge/internal/homeassistant"
	"voltronic-mqtt-bridge/internal/logger"
	"voltronic-mqtt-bridge/internal/metrics"
	"voltronic-mqtt-bridge/internal/mqtt"
)

// Server is the inverter-side TCP acceptor. Every accepted socket gets its
// own Connection worker with a fresh query engine.
type Server struct {
	port   int
	broker mqtt.Facade
	ha     *homeassistant.Discovery

	exit atomic.Bool
	wg   sync.WaitGroup

	mu    sync.Mutex
	conns []*Connection
}

// New creates an acceptor for the given listener port. ha may be nil when
// Home Assistant discovery is disabled.
func New(port int, broker mqtt.Facade, ha *homeassistant.Discovery) *Server {
	return &Server{
		port:   port,
		broker: broker,
		ha:     ha,
	}
}

// ListenAndServe binds the listener and accepts connections until Shutdown
// is called. A bind failure is returned immediately; individual accept
// errors are logged and survived.
func (s *Server) ListenAndServe() error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: s.port})
	if err != nil {
		return fmt.Errorf("error binding inverter listener on port %d: %w", s.port, err)
	}
	logger.LogInfo("listening for inverter connections on 0.0.0.0:%d", s.port)

	for !s.exit.Load() {
		// short accept deadline so Shutdown is observed promptly
		if err := ln.SetDeadline(time.Now().Add(time.Second)); err != nil {
			break
		}

		conn, err := ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.exit.Load() {
				break
			}
			logger.LogError("accept error: %v", err)
			continue
		}

		s.serve(conn)
	}

	s.mu.Lock()
	conns := append([]*Connection(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Exit()
	}
	s.wg.Wait()

	return ln.Close()
}

// serve starts the worker goroutine for one accepted socket.
func (s *Server) serve(conn net.Conn) {
	c := newConnection(conn, engine.New(), s.broker, s.ha)

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	metrics.Default.ActiveConnections.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.Default.ActiveConnections.Dec()
		c.Run()
		s.forget(c)
	}()
}

// forget drops a finished connection from the bookkeeping list.
func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Shutdown asks the accept loop and every worker to stop. ListenAndServe
// returns once all workers have exited.
func (s *Server) Shutdown() {
	s.exit.Store(true)
}
