package ha

import (
	"context"
	"time"

	"github.com/nborgers/hawsclient/internal/ha"
)

func internalToState(s *ha.HassState) *State {
	if s == nil {
		return nil
	}
	return &State{
		EntityID:    s.EntityID,
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}

func internalToConfig(cfg *ha.HassConfig) *Config {
	if cfg == nil {
		return nil
	}
	return &Config{
		Components:   cfg.Components,
		ConfigDir:    cfg.ConfigDir,
		LocationName: cfg.LocationName,
		TimeZone:     cfg.TimeZone,
		Version:      cfg.Version,
	}
}

func internalToEvent(rec *ha.EventRecord) *Event {
	if rec == nil {
		return nil
	}
	return &Event{
		EventType: rec.EventType,
		Origin:    rec.Origin,
		TimeFired: rec.TimeFired,
		Data:      rec.Data,
	}
}

// ClientAdapter wraps internal/ha.Client to implement the public Client
// interface, so callers outside this module depend only on pkg/ha's
// types.
type ClientAdapter struct {
	internal *ha.Client
}

// WrapClient wraps an internal ha.Client to implement the pkg ha.Client
// interface.
func WrapClient(c *ha.Client) Client {
	return &ClientAdapter{internal: c}
}

// Unwrap returns the underlying internal client.
func (a *ClientAdapter) Unwrap() *ha.Client {
	return a.internal
}

func (a *ClientAdapter) Connect(ctx context.Context, opts ConnectOptions) (bool, error) {
	return a.internal.Connect(ctx, ha.Options{
		GetStatesOnConnect: opts.GetStatesOnConnect,
		SubscribeEvents:    opts.SubscribeEvents,
		EventType:          opts.EventType,
	})
}

func (a *ClientAdapter) Close(ctx context.Context) error {
	return a.internal.Close(ctx)
}

func (a *ClientAdapter) GetConfig(ctx context.Context) (*Config, error) {
	cfg, err := a.internal.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return internalToConfig(cfg), nil
}

func (a *ClientAdapter) GetStates(ctx context.Context) ([]*State, error) {
	states, err := a.internal.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*State, len(states))
	for i, s := range states {
		result[i] = internalToState(s)
	}
	return result, nil
}

func (a *ClientAdapter) GetState(entityID string) (*State, bool) {
	s, ok := a.internal.GetState(entityID)
	if !ok {
		return nil, false
	}
	return internalToState(s), true
}

func (a *ClientAdapter) SubscribeToEvents(ctx context.Context, eventType string) error {
	return a.internal.SubscribeToEvents(ctx, eventType)
}

func (a *ClientAdapter) ReadEvent(ctx context.Context) (*Event, error) {
	rec, err := a.internal.ReadEvent(ctx)
	if err != nil {
		return nil, err
	}
	return internalToEvent(rec), nil
}

func (a *ClientAdapter) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (bool, error) {
	return a.internal.CallService(ctx, domain, service, data)
}

func (a *ClientAdapter) Ping(ctx context.Context, timeout time.Duration) bool {
	return a.internal.Ping(ctx, timeout)
}
