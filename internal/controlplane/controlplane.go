// Package controlplane is the WebSocket control surface external consumers
// use to read device state and issue commands: gorilla/websocket on the
// server side, the same JSON-envelope shape the teacher's cloud client uses
// on the wire (internal/cloud), but serving connections rather than dialing
// out to one.
package controlplane

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jackery/blebridge/internal/engine"
	"github.com/jackery/blebridge/internal/model"
)

// EnvelopeType tags the JSON envelopes exchanged on the control connection.
type EnvelopeType string

const (
	EnvelopeCommand EnvelopeType = "command"
	EnvelopeState   EnvelopeType = "state"
	EnvelopeError   EnvelopeType = "error"
)

// Envelope is the single message shape used in both directions, mirroring
// the teacher's cloud.Message envelope (type + timestamp + payload fields).
type Envelope struct {
	ID        string              `json:"id"`
	Type      EnvelopeType        `json:"type"`
	Device    string              `json:"device,omitempty"`
	Action    string              `json:"action,omitempty"`
	Args      json.RawMessage     `json:"args,omitempty"`
	State     model.StateDocument `json:"state,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// newEnvelopeID mints a fresh random ID for one outbound envelope, the way
// the teacher's cloud client stamps outbound messages. The ID is not derived
// from any inbound command, so it does not link a state push to the command
// that triggered it.
func newEnvelopeID() string {
	return uuid.NewString()
}

// Server accepts WebSocket connections, pushes state-document updates to
// every connected consumer, and dispatches inbound command envelopes to the
// coordinator.
type Server struct {
	coordinator *engine.Coordinator
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Envelope
}

// NewServer returns a Server that dispatches commands against coordinator.
func NewServer(coordinator *engine.Coordinator) *Server {
	return &Server{
		coordinator: coordinator,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:     make(map[*websocket.Conn]chan Envelope),
	}
}

// ServeHTTP upgrades the connection and runs its read/write loops until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("controlplane: upgrade failed: %v", err)
		return
	}

	outbound := make(chan Envelope, 16)
	s.register(conn, outbound)
	defer s.unregister(conn)

	s.pushInitialState(outbound)

	done := make(chan struct{})
	go s.writeLoop(conn, outbound, done)
	s.readLoop(conn, outbound)
	close(done)
}

func (s *Server) register(conn *websocket.Conn, outbound chan Envelope) {
	s.mu.Lock()
	s.clients[conn] = outbound
	s.mu.Unlock()
}

func (s *Server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) pushInitialState(outbound chan Envelope) {
	for _, name := range s.coordinator.DeviceNames() {
		doc, ok := s.coordinator.LatestState(name)
		if !ok {
			continue
		}
		select {
		case outbound <- Envelope{ID: newEnvelopeID(), Type: EnvelopeState, Device: name, State: doc, Timestamp: time.Now().Unix()}:
		default:
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, outbound chan Envelope) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("controlplane: read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(outbound, "", fmt.Sprintf("invalid envelope: %v", err))
			continue
		}
		if env.Type != EnvelopeCommand {
			s.sendError(outbound, env.Device, fmt.Sprintf("unsupported envelope type %q", env.Type))
			continue
		}
		if err := s.dispatchCommand(env); err != nil {
			s.sendError(outbound, env.Device, err.Error())
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, outbound chan Envelope, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env := <-outbound:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("controlplane: write error: %v", err)
				return
			}
		}
	}
}

func (s *Server) sendError(outbound chan Envelope, device, message string) {
	env := Envelope{ID: newEnvelopeID(), Type: EnvelopeError, Device: device, Error: message, Timestamp: time.Now().Unix()}
	select {
	case outbound <- env:
	default:
	}
}

// Broadcast fans a poll outcome out to every connected consumer. It's wired
// as the coordinator's update handler.
func (s *Server) Broadcast(update engine.StateUpdate) {
	if update.Err != nil {
		return
	}
	env := Envelope{ID: newEnvelopeID(), Type: EnvelopeState, Device: update.Device, State: update.Document, Timestamp: time.Now().Unix()}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, outbound := range s.clients {
		select {
		case outbound <- env:
		default:
			log.Printf("controlplane: dropping state update for %s, consumer backlogged", update.Device)
		}
	}
}
