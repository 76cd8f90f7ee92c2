package ha

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// writeBackoff is how long the write pump pauses after a transport send
// failure before unwinding the session.
const writeBackoff = 20 * time.Millisecond

// tryEnqueue offers msg to the outbound queue without blocking. A full
// queue means the transport is stalled, so this fails fast rather than
// applying backpressure.
func (c *Client) tryEnqueue(cs *connState, msg any) bool {
	select {
	case cs.outbound <- msg:
		return true
	default:
		return false
	}
}

// runWritePump drains the outbound queue and writes one WebSocket text
// message per dequeued command. Exactly one write pump runs per connected
// session, so no locking is needed around the JSON encoding step itself.
func (c *Client) runWritePump(cs *connState) {
	defer c.wg.Done()
	defer c.cancelConn(cs)

	for {
		select {
		case msg, ok := <-cs.outbound:
			if !ok {
				return
			}
			if err := c.writeOne(cs, msg); err != nil {
				c.logger.Error("write pump transport error", zap.Error(err))
				c.clk.Sleep(writeBackoff)
				return
			}
		case <-cs.ctx.Done():
			return
		}
	}
}

func (c *Client) writeOne(cs *connState, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		// A command that fails to marshal is a programmer error, not a
		// transport fault; log and drop rather than tearing down the pump.
		c.logger.Error("failed to marshal outbound message", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(cs.ctx, c.cfg.SocketTimeout)
	defer cancel()

	if err := cs.transport.Send(ctx, data); err != nil {
		return err
	}
	return nil
}
