package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// retryDelay is how long sendCommandAndAwait waits before re-checking the
// reply channel after putting back a reply meant for another caller. It
// keeps the wait loop from busy-spinning while the matching reply is still
// in flight.
const retryDelay = 10 * time.Millisecond

// pendingCommands is the id -> command-type registry the reader consults
// to know how to decode a "result" message's polymorphic Result field.
// Callers insert entries (and remove their own when they give up); the
// reader looks up and removes the entry when it types a result. A mutex
// guards the map across these goroutines.
type pendingCommands struct {
	mu sync.Mutex
	m  map[int]string
}

func newPendingCommands(capacity int) *pendingCommands {
	return &pendingCommands{m: make(map[int]string, capacity)}
}

func (p *pendingCommands) put(id int, cmdType string) {
	p.mu.Lock()
	p.m[id] = cmdType
	p.mu.Unlock()
}

// take looks up and removes the command type recorded for id. Returns
// ok=false if no entry exists, which happens for late/duplicate/unknown
// ids or after the caller has already removed its own entry.
func (p *pendingCommands) take(id int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmdType, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return cmdType, ok
}

// nextMessageID pre-increments the session's monotonic id counter. The
// counter starts at 1 so the first assigned command id is 2; the auth
// message itself carries no id.
func (cs *connState) nextMessageID() int {
	cs.msgIDMu.Lock()
	cs.msgID++
	id := cs.msgID
	cs.msgIDMu.Unlock()
	return id
}

// sendCommandAndAwait assigns an id, records the pending command type,
// enqueues the built command, and waits for the matching reply on the
// shared reply channel, putting back anything meant for a different
// caller.
func (c *Client) sendCommandAndAwait(ctx context.Context, cs *connState, cmdType string, build func(id int) any) (*Message, error) {
	deadline := time.Now().Add(c.cfg.SocketTimeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	id := cs.nextMessageID()
	cs.pending.put(id, cmdType)

	cmd := build(id)
	if !c.tryEnqueue(cs, cmd) {
		cs.pending.take(id)
		return nil, fmt.Errorf("%w: outbound queue full", ErrTransport)
	}

	for {
		select {
		case msg := <-cs.replies:
			if msg.ID == id {
				return &msg, nil
			}
			// Not ours: restore it for whichever other caller is waiting.
			select {
			case cs.replies <- msg:
			default:
				// The reply channel has capacity for every in-flight
				// command plus handshake traffic; a failure to put back
				// means that invariant broke.
				c.logger.Error("fatal: could not put back unmatched reply", zap.Int("id", msg.ID))
			}

			select {
			case <-time.After(retryDelay):
			case <-callCtx.Done():
				cs.pending.take(id)
				return nil, c.classifyWait(cs, callCtx)
			case <-cs.ctx.Done():
				cs.pending.take(id)
				return nil, c.classifyWait(cs, callCtx)
			}
		case <-callCtx.Done():
			cs.pending.take(id)
			return nil, c.classifyWait(cs, callCtx)
		case <-cs.ctx.Done():
			// Session cancellation (Close, or the other pump exiting)
			// must unblock a pending call immediately rather than
			// waiting out the call's own per-call deadline.
			cs.pending.take(id)
			return nil, c.classifyWait(cs, callCtx)
		}
	}
}

// classifyWait distinguishes session shutdown from a per-call timeout: if
// the session itself has been cancelled that takes priority; otherwise an
// elapsed call deadline is a timeout, and any other cancellation of the
// call context is reported as ErrCancelled.
func (c *Client) classifyWait(cs *connState, callCtx context.Context) error {
	if cs.ctx.Err() != nil {
		return ErrCancelled
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
