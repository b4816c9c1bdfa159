// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package deduplicate drops uplink messages that a gateway reports more than once.
package deduplicate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
)

// DefaultWindow is used when NewDeduplicate is called with a zero window
const DefaultWindow = 10 * time.Second

// ErrDuplicateMessage is returned when an uplink message is received multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// NewDeduplicate returns a middleware that drops uplink messages with the
// same payload and concentrator timestamp as an uplink message of the same
// gateway that was seen within the window.
func NewDeduplicate(window time.Duration) *Deduplicate {
	if window == 0 {
		window = DefaultWindow
	}
	return &Deduplicate{
		log:    log.Get(),
		window: window,
		seen:   make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Deduplicate middleware
type Deduplicate struct {
	log    log.Interface
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]map[string]time.Time
}

func key(msg *types.UplinkMessage) string {
	return fmt.Sprintf("%d:%x", msg.Message.GetGatewayMetadata().Timestamp, msg.Message.GetPayload())
}

// HandleDisconnect forgets the messages of the gateway
func (d *Deduplicate) HandleDisconnect(_ middleware.Context, msg *types.DisconnectMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, msg.GatewayID)
	return nil
}

// HandleUplink blocks duplicate messages
func (d *Deduplicate) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	now := d.now()
	k := key(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	seen, ok := d.seen[msg.GatewayID]
	if !ok {
		seen = make(map[string]time.Time)
		d.seen[msg.GatewayID] = seen
	}
	for k, at := range seen {
		if now.Sub(at) > d.window {
			delete(seen, k)
		}
	}
	if _, ok := seen[k]; ok {
		d.log.WithField("GatewayID", msg.GatewayID).Debug("Dropping duplicate uplink")
		return ErrDuplicateMessage
	}
	seen[k] = now
	return nil
}
