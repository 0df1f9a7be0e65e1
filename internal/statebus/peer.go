package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// PeerServer is the cross-device Bus transport on the hosting side (the
// phone). It wraps a MemoryBus and mirrors every accepted write to all
// connected peers over WebSocket; writes arriving from peers merge into the
// local bus under the same last-write-wins rule, so a stale echo never
// loops.
//
// A peer connecting mid-session receives a snapshot of the current entries
// first, then live updates.
type PeerServer struct {
	*MemoryBus

	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewPeerServer creates a peer server around bus, listening on addr once
// started. If logger is nil a stderr default is used.
func NewPeerServer(bus *MemoryBus, addr string, logger *log.Logger) *PeerServer {
	if logger == nil {
		logger = log.New(os.Stderr, "[statebus] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PeerServer{
		MemoryBus: bus,
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and broadcasting. Non-blocking; call Stop to shut
// down.
func (s *PeerServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handlePeer)

	s.server = &http.Server{Handler: mux}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Peer server error: %v", err)
		}
	}()
	go s.broadcastLoop()

	s.logger.Printf("State bus listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listen address, useful when addr was ":0".
func (s *PeerServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop disconnects peers and shuts the server down.
func (s *PeerServer) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	return err
}

// handlePeer upgrades one peer connection and pumps its incoming writes
// into the local bus.
func (s *PeerServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("Failed to accept peer: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
	s.logger.Printf("Peer connected: %s", r.RemoteAddr)

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Peer disconnected: %s", r.RemoteAddr)
	}()

	// State transfer: a joining peer mirrors everything current before
	// receiving live updates.
	for key, entry := range s.All() {
		if err := writeUpdate(s.ctx, conn, Update{Key: key, Entry: entry}); err != nil {
			return
		}
	}

	for {
		var u Update
		if err := readUpdate(s.ctx, conn, &u); err != nil {
			return
		}
		if err := s.Put(u.Key, u.Entry.Value, u.Entry.Timestamp); err != nil {
			s.logger.Printf("Warning: rejected peer write for %q: %v", u.Key, err)
		}
	}
}

// broadcastLoop mirrors every accepted local write to all connected peers.
func (s *PeerServer) broadcastLoop() {
	defer s.wg.Done()

	sub := s.Observe("")
	defer sub.Cancel()

	for {
		select {
		case <-s.ctx.Done():
			return

		case u, ok := <-sub.C:
			if !ok {
				return
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				if err := writeUpdate(s.ctx, conn, u); err != nil {
					// Reader goroutine handles cleanup on its own error.
					s.logger.Printf("Warning: failed to mirror %q to peer: %v", u.Key, err)
				}
			}
		}
	}
}

// PeerClient is the cross-device Bus transport on the joining side (the
// wearable). Local Puts apply to the wrapped bus and are forwarded to the
// server; server broadcasts merge back in under last-write-wins.
type PeerClient struct {
	*MemoryBus

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger

	writeMu sync.Mutex
}

// DialPeer connects to a PeerServer at url (ws://host:port/state) and
// returns a client whose bus mirrors the server's. Call Close when done.
func DialPeer(ctx context.Context, url string, logger *log.Logger) (*PeerClient, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[statebus] ", log.LstdFlags)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial state bus %s: %w", url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &PeerClient{
		MemoryBus: NewMemoryBus(),
		conn:      conn,
		ctx:       runCtx,
		cancel:    cancel,
		logger:    logger,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Put applies the write locally and forwards it to the server. The forward
// is best-effort: a dropped connection surfaces as an error, and the local
// bus stays authoritative until reconnect.
func (c *PeerClient) Put(key string, v Value, ts time.Time) error {
	if err := c.MemoryBus.Put(key, v, ts); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeUpdate(c.ctx, c.conn, Update{Key: key, Entry: Entry{Value: v, Timestamp: ts}}); err != nil {
		return fmt.Errorf("failed to forward %q to peer: %w", key, err)
	}
	return nil
}

// Close disconnects from the server.
func (c *PeerClient) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
	return err
}

// readLoop merges server broadcasts into the local bus.
func (c *PeerClient) readLoop() {
	defer c.wg.Done()

	for {
		var u Update
		if err := readUpdate(c.ctx, c.conn, &u); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Printf("State bus connection lost: %v", err)
			}
			return
		}
		if err := c.MemoryBus.Put(u.Key, u.Entry.Value, u.Entry.Timestamp); err != nil {
			c.logger.Printf("Warning: rejected server write for %q: %v", u.Key, err)
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func readUpdate(ctx context.Context, conn *websocket.Conn, u *Update) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, u); err != nil {
		return fmt.Errorf("failed to unmarshal update: %w", err)
	}
	return nil
}
