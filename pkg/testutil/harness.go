// Package testutil provides a TestEnv for integration testing code built
// on the connection engine without importing internal/ha directly.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/nborgers/hawsclient/internal/ha"
	pkgha "github.com/nborgers/hawsclient/pkg/ha"

	"go.uber.org/zap"
)

// TestEnv provides a complete test environment: a running MockHAServer
// plus a connected client, exposed via the public pkg/ha interface so
// callers outside this module can write integration tests without
// importing internal/ha.
type TestEnv struct {
	Server   *MockHAServer
	HAClient pkgha.Client
	Logger   *zap.Logger

	internalClient *ha.Client
}

// NewTestEnv starts a mock HA server at addr and connects a client to it,
// subscribing to all events and loading the initial state snapshot.
func NewTestEnv(addr, token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(addr, token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	client := ha.NewClient(fmt.Sprintf("ws://%s/api/websocket", addr), token, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.Connect(ctx, ha.Options{GetStatesOnConnect: true, SubscribeEvents: true})
	if err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}
	if !ok {
		server.Stop()
		return nil, fmt.Errorf("home assistant rejected authentication")
	}

	return &TestEnv{
		Server:         server,
		HAClient:       pkgha.WrapClient(client),
		Logger:         logger,
		internalClient: client,
	}, nil
}

// Cleanup closes the client and stops the mock server. Always call this
// in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.internalClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.internalClient.Close(ctx)
		cancel()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server.
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls.
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
