package gateway

import "encoding/json"

// Event names the dispatcher recognises. Anything else (ticks, health
// probes) is ignored at debug level.
const (
	eventChallenge = "connect.challenge"
	eventChat      = "chat"
)

// dispatchEvent routes one inbound push frame. The challenge event belongs
// to the handshake; once the read loop is running, a repeat means the
// server restarted mid-session and the imminent close will handle it.
func (c *Client) dispatchEvent(f frame, reducer *ChatReducer) {
	switch f.Event {
	case eventChallenge:
		c.logger.Warn().Msg("connect.challenge received after handshake, ignoring")
	case eventChat:
		var ev chatEventPayload
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("malformed chat event discarded")
			return
		}
		reducer.Apply(ev)
	default:
		c.logger.Debug().Str("event", f.Event).Msg("unhandled event")
	}
}
