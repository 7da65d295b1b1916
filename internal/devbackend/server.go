// Package devbackend is a small in-memory backend that speaks the sockrpc
// envelope protocol. It backs the integration tests and the serve command.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anhtranbk/sockrpc"
)

type Config struct {
	LeaseTimeout    time.Duration
	SweepInterval   time.Duration
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultConfig() Config {
	return Config{
		LeaseTimeout:    15 * time.Second,
		SweepInterval:   time.Second,
		WriteTimeout:    5 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Handler serves one event. A nil result with a nil error replies with an
// empty payload.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

type peer struct {
	id   uint64
	conn sockrpc.WSConn
	mu   sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Send(data)
}

type Server struct {
	cfg      Config
	store    *Store
	router   *mux.Router
	upgrader *websocket.Upgrader
	codec    sockrpc.Codec
	log      *zap.SugaredLogger
	now      func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	peersMu  sync.Mutex
	peers    map[uint64]*peer
	nextPeer uint64
}

func New(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:   cfg,
		store: NewStore(cfg.LeaseTimeout),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		codec:    sockrpc.NewDefaultCodec(),
		log:      log.Sugar().With("component", "devbackend"),
		now:      time.Now,
		handlers: make(map[string]Handler),
		peers:    make(map[uint64]*peer),
	}
	s.registerPlayerHandlers()

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Store() *Store { return s.store }

// Handle adds or replaces the handler for event.
func (s *Server) Handle(event string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[event] = h
	s.handlersMu.Unlock()
}

// Broadcast pushes an envelope without id to every connected peer.
func (s *Server) Broadcast(event string, payload interface{}) {
	raw, err := sockrpc.MarshalPayload(payload)
	if err != nil {
		s.log.Errorw("could not encode broadcast", "event", event, "error", err)
		return
	}
	data, err := s.codec.Encode(&sockrpc.Envelope{Event: event, Payload: raw})
	if err != nil {
		s.log.Errorw("could not encode broadcast", "event", event, "error", err)
		return
	}

	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	for _, p := range peers {
		if err := p.write(data); err != nil {
			s.log.Warnw("broadcast to peer failed", "peer", p.id, "error", err)
		}
	}
}

// Run expires player leases until ctx ends.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireLeases()
		}
	}
}

// ExpireLeases removes stale players and announces each with a player_left
// broadcast.
func (s *Server) ExpireLeases() {
	for _, rec := range s.store.Expire(s.now()) {
		s.log.Infow("player lease expired", "player_id", rec.PlayerID, "room_id", rec.RoomID)
		s.Broadcast(sockrpc.EventPlayerLeft, sockrpc.PlayerRef{PlayerID: rec.PlayerID, RoomID: rec.RoomID})
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devbackend listen: %w", err)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("devbackend listening", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devbackend serve: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("could not upgrade websocket connection", "error", err)
		return
	}

	p := s.addPeer(sockrpc.NewGorillaWSConnection(conn, s.cfg.WriteTimeout))
	defer s.removePeer(p)
	s.log.Infow("peer connected", "peer", p.id, "remote", r.RemoteAddr)

	for {
		data, err := p.conn.Receive()
		if err != nil {
			s.log.Infow("peer disconnected", "peer", p.id, "reason", err)
			return
		}
		env, err := s.codec.Decode(data)
		if err != nil {
			s.log.Warnw("received malformed envelope", "peer", p.id, "error", err)
			continue
		}
		s.serveEnvelope(r.Context(), p, env)
	}
}

func (s *Server) serveEnvelope(ctx context.Context, p *peer, env *sockrpc.Envelope) {
	s.handlersMu.RLock()
	h, found := s.handlers[env.Event]
	s.handlersMu.RUnlock()

	var result interface{}
	var err error
	if found {
		result, err = h(ctx, env.Payload)
	} else {
		err = fmt.Errorf("unknown event %q", env.Event)
	}

	if env.IsBroadcast() {
		if err != nil {
			s.log.Debugw("notification failed", "event", env.Event, "error", err)
		}
		return
	}

	reply := &sockrpc.Envelope{ID: env.ID, Event: env.Event}
	if err != nil {
		reply.Error = err.Error()
	} else if reply.Payload, err = sockrpc.MarshalPayload(result); err != nil {
		reply.Payload = nil
		reply.Error = err.Error()
	}
	data, err := s.codec.Encode(reply)
	if err != nil {
		s.log.Errorw("could not encode reply", "id", env.ID, "event", env.Event, "error", err)
		return
	}
	if err := p.write(data); err != nil {
		s.log.Warnw("could not send reply", "peer", p.id, "id", env.ID, "error", err)
	}
}

func (s *Server) addPeer(conn sockrpc.WSConn) *peer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.nextPeer++
	p := &peer{id: s.nextPeer, conn: conn}
	s.peers[p.id] = p
	return p
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	delete(s.peers, p.id)
	s.peersMu.Unlock()
	_ = p.conn.Close()
}
