// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"sync"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
)

// Fields to inject
type Fields struct {
	// FrequencyPlan is used for gateways that do not have a frequency plan of their own
	FrequencyPlan string
	// GatewayFrequencyPlans overrides the FrequencyPlan per gateway ID
	GatewayFrequencyPlans map[string]string
	// Bridge identifies this bridge
	Bridge string
}

// NewInject returns a middleware that fills empty fields of status messages
func NewInject(fields Fields) *Inject {
	plans := make(map[string]string, len(fields.GatewayFrequencyPlans))
	for gatewayID, plan := range fields.GatewayFrequencyPlans {
		plans[gatewayID] = plan
	}
	return &Inject{
		log:    log.Get(),
		fields: fields,
		plans:  plans,
	}
}

// Inject fields into status messages
type Inject struct {
	log    log.Interface
	fields Fields

	mu    sync.RWMutex
	plans map[string]string
}

// SetFrequencyPlan sets the frequency plan of a single gateway
func (i *Inject) SetFrequencyPlan(gatewayID, plan string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.plans[gatewayID] = plan
}

func (i *Inject) frequencyPlan(gatewayID string) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if plan, ok := i.plans[gatewayID]; ok {
		return plan
	}
	return i.fields.FrequencyPlan
}

// HandleStatus inserts fields into status messages if not present
func (i *Inject) HandleStatus(_ middleware.Context, msg *types.StatusMessage) error {
	if msg.Message == nil {
		return nil
	}
	if msg.Message.FrequencyPlan == "" {
		msg.Message.FrequencyPlan = i.frequencyPlan(msg.GatewayID)
	}
	if msg.Message.Bridge == "" {
		msg.Message.Bridge = i.fields.Bridge
		if msg.Backend != "" {
			msg.Message.Bridge += " " + msg.Backend + " Backend"
		}
	}
	return nil
}
