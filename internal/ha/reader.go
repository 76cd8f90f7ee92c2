package ha

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/nborgers/hawsclient/internal/transport"
)

// decodeBackoff is the pause after a malformed inbound frame; the pump
// discards the frame and keeps reading rather than terminating.
const decodeBackoff = 20 * time.Millisecond

// runReadPump owns the transport's receive side. It reassembles frames
// into complete messages, discriminates by type, and routes each message
// to the reply channel or the event channel. Exactly one reader pump runs
// per connected session.
func (c *Client) runReadPump(cs *connState) {
	defer c.wg.Done()
	defer c.cancelConn(cs)

	buf := make([]byte, 0, c.cfg.ReceiveBufferBytes)
	chunk := make([]byte, c.cfg.ReceiveBufferBytes)

	for {
		n, endOfMessage, kind, err := cs.transport.Receive(cs.ctx, chunk)
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			c.logger.Error("read pump transport error", zap.Error(err))
			return
		}

		if kind == transport.Close {
			cs.closeOnce.Do(func() { close(cs.closeObserved) })
			return
		}

		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if !endOfMessage {
			continue
		}

		message := make([]byte, len(buf))
		copy(message, buf)
		buf = buf[:0]

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("malformed inbound message, discarding", zap.Error(err))
			c.clk.Sleep(decodeBackoff)
			continue
		}

		c.dispatch(cs, &msg)
	}
}

// dispatch routes a decoded inbound message by its type.
func (c *Client) dispatch(cs *connState, msg *Message) {
	switch msg.Type {
	case typeEvent:
		c.pushEvent(cs, msg)
	case typeAuthRequired, typeAuthOK, typeAuthInvalid, typePong:
		c.pushReply(cs, *msg)
	case typeResult:
		c.typeResult(cs, msg)
		c.pushReply(cs, *msg)
	default:
		c.logger.Debug("unhandled inbound message type", zap.String("type", msg.Type))
	}
}

// typeResult decodes a "result" message's Result field into the shape its
// originating command expects, consulting and clearing the pending-commands
// entry for msg.ID. Unknown or already-consumed ids are logged and the raw
// message is still forwarded.
func (c *Client) typeResult(cs *connState, msg *Message) {
	cmdType, ok := cs.pending.take(msg.ID)
	if !ok {
		c.logger.Debug("result for unrecognized or already-resolved id", zap.Int("id", msg.ID))
		return
	}
	if len(msg.Result) == 0 {
		return
	}

	switch cmdType {
	case cmdGetConfig:
		var cfg HassConfig
		if err := json.Unmarshal(msg.Result, &cfg); err != nil {
			c.logger.Error("failed to decode get_config result", zap.Error(err))
			return
		}
		msg.TypedResult = &cfg
	case cmdGetStates:
		var states []*HassState
		if err := json.Unmarshal(msg.Result, &states); err != nil {
			c.logger.Error("failed to decode get_states result", zap.Error(err))
			return
		}
		msg.TypedResult = states
	default:
		// call_service and subscribe_events results carry no fields the
		// core needs typed; callers only consult Success.
	}
}

// pushEvent types the event payload where the core recognizes the
// event_type and delivers it to the event channel. The event stream is
// best-effort: a full channel means no consumer is keeping up, and the
// event is dropped rather than blocking the reader.
func (c *Client) pushEvent(cs *connState, msg *Message) {
	if msg.Event == nil {
		return
	}

	rec := EventRecord{
		EventType: msg.Event.EventType,
		Origin:    msg.Event.Origin,
		TimeFired: msg.Event.TimeFired,
	}

	switch msg.Event.EventType {
	case "state_changed":
		var data StateChangedEventData
		if err := json.Unmarshal(msg.Event.Data, &data); err == nil {
			rec.Data = &data
		} else {
			rec.Data = msg.Event.Data
		}
	case "call_service":
		var data ServiceCalledEventData
		if err := json.Unmarshal(msg.Event.Data, &data); err == nil {
			rec.Data = &data
		} else {
			rec.Data = msg.Event.Data
		}
	default:
		rec.Data = msg.Event.Data
	}

	select {
	case cs.events <- rec:
	default:
		c.logger.Warn("event channel full, dropping event", zap.String("event_type", rec.EventType))
	}
}

// pushReply delivers any non-event message to the reply channel. Unlike
// the event channel, the reply channel never drops a message for being
// full: sends block until a consumer (the coordinator, or a put-back from
// another caller) makes room, or the session is cancelled.
func (c *Client) pushReply(cs *connState, msg Message) {
	select {
	case cs.replies <- msg:
	case <-cs.ctx.Done():
	}
}
