package transport

import (
	"context"
	"sync"
)

// Frame is one inbound unit a FakeTransport hands back from Receive.
type Frame struct {
	Data []byte
	Kind Kind
}

// FakeTransport is an in-memory Transport double for exercising the
// connection engine's pumps and coordinator without a real socket. Tests
// push server-side frames with Push/PushClose and read client-side writes
// off Outbound.
type FakeTransport struct {
	mu    sync.Mutex
	state State

	inbound  chan Frame
	outbound chan []byte

	connectErr error
	sendErr    error
	closed     bool

	// pending holds the undelivered tail of a frame too large to fit in
	// the caller's buf in one Receive call, so multi-segment messages
	// exercise the same frame-reassembly path a real transport does.
	pending     []byte
	pendingKind Kind
}

// NewFakeTransport returns a ready-to-connect FakeTransport. Outbound has a
// generous buffer so the write pump under test never blocks on an
// unconsumed assertion channel.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		state:    Connecting,
		inbound:  make(chan Frame, 64),
		outbound: make(chan []byte, 64),
	}
}

// FailConnect makes every subsequent Connect call return err instead of
// succeeding.
func (f *FakeTransport) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailSend makes every subsequent Send call return err.
func (f *FakeTransport) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Push enqueues a server->client frame for the reader pump to consume.
func (f *FakeTransport) Push(data []byte) {
	f.inbound <- Frame{Data: data, Kind: Text}
}

// PushClose enqueues a close frame, simulating the peer hanging up.
func (f *FakeTransport) PushClose() {
	f.inbound <- Frame{Kind: Close}
}

// Outbound exposes the channel of client->server writes for assertions.
func (f *FakeTransport) Outbound() <-chan []byte {
	return f.outbound
}

func (f *FakeTransport) Connect(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.state = Aborted
		return f.connectErr
	}
	f.state = Open
	return nil
}

func (f *FakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case f.outbound <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive hands back at most len(buf) bytes per call. A frame pushed via
// Push larger than buf is delivered across successive calls with
// endOfMessage=false until fully drained, matching the real transport's
// segment-at-a-time contract instead of truncating oversized messages.
func (f *FakeTransport) Receive(ctx context.Context, buf []byte) (int, bool, Kind, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(buf, f.pending)
		f.pending = f.pending[n:]
		kind := f.pendingKind
		endOfMessage := len(f.pending) == 0
		f.mu.Unlock()
		return n, endOfMessage, kind, nil
	}
	f.mu.Unlock()

	select {
	case frame, ok := <-f.inbound:
		if !ok {
			return 0, true, Close, nil
		}
		if frame.Kind == Close {
			f.mu.Lock()
			f.state = CloseReceived
			f.mu.Unlock()
			return 0, true, Close, nil
		}

		n := copy(buf, frame.Data)
		endOfMessage := n >= len(frame.Data)
		if !endOfMessage {
			f.mu.Lock()
			f.pending = frame.Data[n:]
			f.pendingKind = frame.Kind
			f.mu.Unlock()
		}
		return n, endOfMessage, frame.Kind, nil
	case <-ctx.Done():
		return 0, true, Close, ctx.Err()
	}
}

func (f *FakeTransport) CloseOutput(ctx context.Context, code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == CloseSent || f.state == Closed {
		return nil
	}
	f.state = CloseSent
	return nil
}

func (f *FakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeTransport) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = Closed
	return nil
}
