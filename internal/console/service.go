// Package console is the local surface the presentation layer talks to: a
// read view over the gateway client's state plus a send endpoint. It renders
// nothing itself.
package console

import (
	"context"

	"github.com/lifedeck/lifedeck/internal/gateway"
)

// Gateway is the slice of the gateway client the console needs.
type Gateway interface {
	State() gateway.State
	Messages() []gateway.ChatMessage
	Streaming() bool
	SendChat(ctx context.Context, message string) error
	DeviceID() string
}

// Service exposes connection status, the message list, and sends.
type Service struct {
	gw Gateway
}

func NewService(gw Gateway) *Service {
	return &Service{gw: gw}
}

// Status is the coarse view surfaced to the UI: the connection state and
// whether an assistant turn is currently streaming.
type Status struct {
	State     gateway.State `json:"state"`
	Streaming bool          `json:"streaming"`
	DeviceID  string        `json:"deviceId"`
}

func (s *Service) Status() Status {
	return Status{
		State:     s.gw.State(),
		Streaming: s.gw.Streaming(),
		DeviceID:  s.gw.DeviceID(),
	}
}

func (s *Service) Messages() []gateway.ChatMessage {
	return s.gw.Messages()
}

func (s *Service) Send(ctx context.Context, message string) error {
	return s.gw.SendChat(ctx, message)
}
