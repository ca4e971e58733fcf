// Package push carries remote notification payloads from the delivering
// layer to the account sessions that consume them.
package push

import (
	"context"
	"encoding/json"
	"fmt"
)

// Source classifies the channel a payload arrived on.
type Source int

const (
	Standard Source = iota
	VoIP
)

func (s Source) String() string {
	if s == VoIP {
		return "voip"
	}
	return "standard"
}

// ParseSource maps "standard" and "voip" to a Source.
func ParseSource(s string) (Source, error) {
	switch s {
	case "", "standard":
		return Standard, nil
	case "voip":
		return VoIP, nil
	}
	return Standard, fmt.Errorf("unknown push source %q", s)
}

// Payload is one remote notification. Account is the opaque account key
// used for routing; Data is the notification body as sent by the backend.
type Payload struct {
	Account string
	Source  Source
	Data    json.RawMessage
}

// Client consumes payloads for one account.
type Client interface {
	Account() string
	HandlePush(ctx context.Context, p Payload) error
}
