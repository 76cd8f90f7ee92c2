// Package testutil provides a mock Home Assistant WebSocket server and
// helpers for integration-testing code built on internal/ha.Client.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex.
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *connWrapper) writeRaw(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// MockHAServer simulates a Home Assistant WebSocket server: the auth
// handshake, get_config/get_states/subscribe_events/call_service/ping
// commands, and state_changed event broadcast. Tests use it to exercise
// internal/ha.Client against real WebSocket frames instead of a fake
// transport.
type MockHAServer struct {
	server      *http.Server
	addr        string
	states      map[string]*EntityState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	eventDelay  time.Duration
	token       string

	// subscribeSuccess controls the success field returned for
	// subscribe_events, letting tests exercise the Connect failure path.
	subscribeSuccess bool

	config *HassConfigPayload

	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// HassConfigPayload is the get_config result payload the mock server
// returns.
type HassConfigPayload struct {
	Components   []string `json:"components"`
	ConfigDir    string   `json:"config_dir"`
	LocationName string   `json:"location_name"`
	TimeZone     string   `json:"time_zone"`
	Version      string   `json:"version"`
}

// Message represents a WebSocket message.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event payload.
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents the client->server auth frame.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a call_service command.
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

type idAndType struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type subscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// NewMockHAServer creates a new mock HA server listening at addr, with
// subscribe_events always succeeding by default.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:             addr,
		states:           make(map[string]*EntityState),
		connections:      make([]*connWrapper, 0),
		eventDelay:       10 * time.Millisecond,
		token:            token,
		subscribeSuccess: true,
		config: &HassConfigPayload{
			Components:   []string{"websocket_api", "person"},
			ConfigDir:    "/config",
			LocationName: "Test Home",
			TimeZone:     "UTC",
			Version:      "2024.1.0",
		},
		serviceCalls: make([]ServiceCall, 0),
	}
}

// SetEventDelay sets the delay before a state change is broadcast,
// simulating network latency.
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// SetSubscribeEventsSuccess controls whether subscribe_events reports
// success=true or success=false, letting a test exercise Connect's
// subscribe-failure path.
func (s *MockHAServer) SetSubscribeEventsSuccess(ok bool) {
	s.subscribeSuccess = ok
}

// Start starts the mock server.
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("mock HA server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock server and closes all open connections.
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets an entity's state and broadcasts a state_changed event to
// every open connection.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a previously-set entity state.
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// SeedStates populates n synthetic entities, useful for exercising
// get_states bulk-load behavior at a given scale.
func (s *MockHAServer) SeedStates(n int) {
	for i := 0; i < n; i++ {
		s.SetState(fmt.Sprintf("sensor.test_%d", i), "0", map[string]interface{}{
			"unit_of_measurement": "unit",
		})
	}
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}
	wrapper.writeJSON(Message{Type: "auth_ok"})

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var base idAndType
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.handleSubscribeEvents(wrapper, msg)
		case "get_states":
			s.handleGetStates(wrapper, base.ID)
		case "get_config":
			s.handleGetConfig(wrapper, base.ID)
		case "ping":
			s.handlePing(wrapper, base.ID)
		case "call_service":
			s.handleCallService(wrapper, msg)
		}
	}
}

func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, raw json.RawMessage) {
	var req subscribeEventsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	success := s.subscribeSuccess
	wrapper.writeJSON(Message{ID: req.ID, Type: "result", Success: &success})
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	success := true
	wrapper.writeJSON(Message{ID: id, Type: "result", Success: &success, Result: statesJSON})
}

func (s *MockHAServer) handleGetConfig(wrapper *connWrapper, id int) {
	cfgJSON, _ := json.Marshal(s.config)
	success := true
	wrapper.writeJSON(Message{ID: id, Type: "result", Success: &success, Result: cfgJSON})
}

func (s *MockHAServer) handlePing(wrapper *connWrapper, id int) {
	wrapper.writeJSON(Message{ID: id, Type: "pong"})
}

func (s *MockHAServer) handleCallService(wrapper *connWrapper, raw json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID != "" {
		s.statesMu.RLock()
		oldState := s.states[entityID]
		s.statesMu.RUnlock()
		if oldState != nil {
			if newVal, ok := req.ServiceData["value"]; ok {
				s.SetState(entityID, fmt.Sprintf("%v", newVal), oldState.Attributes)
			}
		}
	}

	success := true
	wrapper.writeJSON(Message{ID: req.ID, Type: "result", Success: &success})
}

// InjectRawMessage writes an arbitrary message to every open connection,
// bypassing the command handlers above. Tests use this to reproduce
// out-of-order or unrecognized (but well-formed) messages the client's
// pumps must tolerate; InjectRawBytes covers malformed JSON.
func (s *MockHAServer) InjectRawMessage(msg Message) {
	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeJSON(msg)
	}
}

// InjectRawBytes writes data verbatim as a text frame to every open
// connection, bypassing JSON marshaling entirely. Unlike InjectRawMessage
// (which always produces well-formed JSON for some Message shape), this
// is how tests reproduce genuinely malformed JSON on the wire and confirm
// the reader pump tolerates it instead of terminating.
func (s *MockHAServer) InjectRawBytes(data []byte) {
	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeRaw(data)
	}
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventData := StateChangedEvent{EntityID: entityID, NewState: newState, OldState: oldState}
	eventDataJSON, _ := json.Marshal(eventData)

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      eventDataJSON,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeJSON(msg)
	}
}

// GetServiceCalls returns all service calls recorded since the last clear.
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log.
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// FindServiceCall finds the most recent service call matching domain,
// service, and (if non-empty) entityID. Returns nil if none match.
func (s *MockHAServer) FindServiceCall(domain, service, entityID string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.serviceCalls) - 1; i >= 0; i-- {
		call := s.serviceCalls[i]
		if call.Domain != domain || call.Service != service {
			continue
		}
		if entityID == "" {
			return &call
		}
		if eid, ok := call.ServiceData["entity_id"].(string); ok && eid == entityID {
			return &call
		}
	}
	return nil
}

// CountServiceCalls counts service calls matching domain and service.
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	count := 0
	for _, call := range s.serviceCalls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}
