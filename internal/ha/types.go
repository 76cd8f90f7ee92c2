package ha

import (
	"encoding/json"
	"time"
)

// Message is the shape every inbound frame decodes into first. The
// polymorphic Result field is kept as a raw JSON subtree: the reader only
// knows how to decode it once it has looked up the originating command's
// type in the pending-commands map.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
	Event   *RawEvent       `json:"event,omitempty"`

	// TypedResult is filled in by the reader once Result has been decoded
	// against the command type recorded for ID. It holds one of
	// *HassConfig, []*HassState, or nil (call_service/subscribe_events
	// results are left raw).
	TypedResult any `json:"-"`
}

// ResultError carries the error payload of a failed "result" message.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RawEvent is the event payload as it arrives on the wire, before its Data
// subtree has been typed.
type RawEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// EventRecord is what ReadEvent hands back to the single event consumer.
// Data is one of *StateChangedEventData, *ServiceCalledEventData, or
// json.RawMessage for any event_type the core doesn't specifically
// discriminate.
type EventRecord struct {
	EventType string
	Origin    string
	TimeFired time.Time
	Data      any
}

// StateChangedEventData is the Data shape for event_type "state_changed".
type StateChangedEventData struct {
	EntityID string     `json:"entity_id"`
	OldState *HassState `json:"old_state"`
	NewState *HassState `json:"new_state"`
}

// ServiceCalledEventData is the Data shape for event_type "call_service".
type ServiceCalledEventData struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// HassState is an entity snapshot as returned by get_states and carried in
// state_changed events.
type HassState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     *HassContext   `json:"context,omitempty"`
}

// HassContext is the causality metadata Home Assistant attaches to state
// changes and service calls.
type HassContext struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// HassConfig is the decoded result of a get_config command.
type HassConfig struct {
	Components            []string       `json:"components"`
	ConfigDir             string         `json:"config_dir"`
	Elevation             int            `json:"elevation"`
	Latitude              float64        `json:"latitude"`
	Longitude             float64        `json:"longitude"`
	LocationName          string         `json:"location_name"`
	TimeZone              string         `json:"time_zone"`
	UnitSystem            map[string]any `json:"unit_system"`
	Version               string         `json:"version"`
	WhitelistExternalDirs []string       `json:"whitelist_external_dirs,omitempty"`
}

// authMessage is the client->server auth frame.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// commandEnvelope is the shape shared by every client->server command. The
// concrete payload types below embed it and add their own fields; the
// optional ones (event_type, service_data) are tagged omitempty so they
// are left off the wire when empty.
type commandEnvelope struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type getConfigCommand struct {
	commandEnvelope
}

type getStatesCommand struct {
	commandEnvelope
}

type subscribeEventsCommand struct {
	commandEnvelope
	EventType string `json:"event_type,omitempty"`
}

type pingCommand struct {
	commandEnvelope
}

type callServiceCommand struct {
	commandEnvelope
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// commandKind names are used both as the wire "type" value and as the key
// the pending-commands map uses to decide how to decode a reply's Result.
const (
	cmdGetConfig       = "get_config"
	cmdGetStates       = "get_states"
	cmdSubscribeEvents = "subscribe_events"
	cmdPing            = "ping"
	cmdCallService     = "call_service"
)

// inbound message type discriminants.
const (
	typeAuthRequired = "auth_required"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typeResult       = "result"
	typeEvent        = "event"
	typePong         = "pong"
)
