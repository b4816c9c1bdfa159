// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brocaar/lorawan"
)

// ErrGatewayDoesNotExist is returned when there is no live session for a gateway
var ErrGatewayDoesNotExist = errors.New("gateway does not exist")

func getMac(id string) (mac lorawan.EUI64) {
	id = strings.TrimPrefix(id, "eui-")
	mac.UnmarshalText([]byte(id))
	return
}

func getID(mac lorawan.EUI64) string {
	txt, _ := mac.MarshalText()
	return "eui-" + string(txt)
}

// Session is a snapshot of the state of a gateway
type Session struct {
	GatewayID       string        `json:"gateway_id"`
	GatewayMAC      lorawan.EUI64 `json:"-"`
	SessionID       uint64        `json:"session_id"`
	Addr            *net.UDPAddr  `json:"addr"`
	PullAddr        *net.UDPAddr  `json:"pull_addr,omitempty"`
	LastSeen        time.Time     `json:"last_seen"`
	ProtocolVersion uint8         `json:"protocol_version"`
	PullToken       uint16        `json:"pull_token"`
}

// DownlinkAddr returns the address PULL_RESP packets are sent to
func (s Session) DownlinkAddr() *net.UDPAddr {
	if s.PullAddr != nil {
		return s.PullAddr
	}
	return s.Addr
}

type gateway struct {
	mac             lorawan.EUI64
	sessionID       uint64
	addr            *net.UDPAddr
	pullAddr        *net.UDPAddr
	lastSeen        time.Time
	protocolVersion uint8
	pullToken       uint16
	pushTokens      map[uint16]time.Time
}

func (gw *gateway) session() Session {
	return Session{
		GatewayID:       getID(gw.mac),
		GatewayMAC:      gw.mac,
		SessionID:       gw.sessionID,
		Addr:            gw.addr,
		PullAddr:        gw.pullAddr,
		LastSeen:        gw.lastSeen,
		ProtocolVersion: gw.protocolVersion,
		PullToken:       gw.pullToken,
	}
}

// gateways is the session registry. Callers only get copies of the sessions.
type gateways struct {
	sync.RWMutex
	keepalive   time.Duration
	dedupWindow time.Duration
	lock        sourceLock
	gateways    map[lorawan.EUI64]*gateway
	lastSession uint64
}

func newGateways(keepalive, dedupWindow time.Duration, lock sourceLock) *gateways {
	return &gateways{
		keepalive:   keepalive,
		dedupWindow: dedupWindow,
		lock:        lock,
		gateways:    make(map[lorawan.EUI64]*gateway),
	}
}

func (c *gateways) expired(gw *gateway, now time.Time) bool {
	return c.keepalive > 0 && now.Sub(gw.lastSeen) > c.keepalive
}

// update must be called with the lock held
func (c *gateways) update(mac lorawan.EUI64, addr *net.UDPAddr, protocolVersion uint8, now time.Time) (gw *gateway, created bool, err error) {
	gw, ok := c.gateways[mac]
	if ok && !c.expired(gw, now) {
		if err := c.lock.check(mac, gw.addr, addr); err != nil {
			droppedCounter.WithLabelValues("source_lock").Inc()
			return nil, false, err
		}
	}
	if !ok {
		c.lastSession++
		gw = &gateway{
			mac:        mac,
			sessionID:  c.lastSession,
			pushTokens: make(map[uint16]time.Time),
		}
		c.gateways[mac] = gw
	}
	gw.addr = addr
	gw.protocolVersion = protocolVersion
	if now.After(gw.lastSeen) {
		gw.lastSeen = now
	}
	return gw, !ok, nil
}

// touch records a frame from the gateway
func (c *gateways) touch(mac lorawan.EUI64, addr *net.UDPAddr, protocolVersion uint8, now time.Time) (Session, bool, error) {
	c.Lock()
	defer c.Unlock()
	gw, created, err := c.update(mac, addr, protocolVersion, now)
	if err != nil {
		return Session{}, false, err
	}
	return gw.session(), created, nil
}

// seen records activity of a live session without changing its addresses
func (c *gateways) seen(mac lorawan.EUI64, now time.Time) {
	c.Lock()
	defer c.Unlock()
	if gw, ok := c.gateways[mac]; ok && now.After(gw.lastSeen) {
		gw.lastSeen = now
	}
}

// touchPull records a PULL_DATA, which also gives the downlink address
func (c *gateways) touchPull(mac lorawan.EUI64, addr *net.UDPAddr, protocolVersion uint8, token uint16, now time.Time) (Session, bool, error) {
	c.Lock()
	defer c.Unlock()
	gw, created, err := c.update(mac, addr, protocolVersion, now)
	if err != nil {
		return Session{}, false, err
	}
	gw.pullAddr = addr
	gw.pullToken = token
	return gw.session(), created, nil
}

// touchPush records a PUSH_DATA and reports whether its token was already
// seen within the dedup window
func (c *gateways) touchPush(mac lorawan.EUI64, addr *net.UDPAddr, protocolVersion uint8, token uint16, now time.Time) (session Session, created bool, duplicate bool, err error) {
	c.Lock()
	defer c.Unlock()
	gw, created, err := c.update(mac, addr, protocolVersion, now)
	if err != nil {
		return Session{}, false, false, err
	}
	if seen, ok := gw.pushTokens[token]; ok && now.Sub(seen) < c.dedupWindow {
		duplicate = true
	} else {
		gw.pushTokens[token] = now
	}
	return gw.session(), created, duplicate, nil
}

// get returns the live session of the gateway
func (c *gateways) get(mac lorawan.EUI64, now time.Time) (Session, error) {
	c.RLock()
	defer c.RUnlock()
	gw, ok := c.gateways[mac]
	if !ok || c.expired(gw, now) {
		return Session{}, ErrGatewayDoesNotExist
	}
	return gw.session(), nil
}

// getByAddr returns the live session that last used the address
func (c *gateways) getByAddr(addr *net.UDPAddr, now time.Time) (Session, error) {
	c.RLock()
	defer c.RUnlock()
	var found *gateway
	for _, gw := range c.gateways {
		if c.expired(gw, now) {
			continue
		}
		if sameAddr(gw.pullAddr, addr) || sameAddr(gw.addr, addr) {
			if found == nil || gw.lastSeen.After(found.lastSeen) {
				found = gw
			}
		}
	}
	if found == nil {
		return Session{}, ErrGatewayDoesNotExist
	}
	return found.session(), nil
}

// sweep removes the expired sessions and the expired dedup entries, and
// returns the removed sessions
func (c *gateways) sweep(now time.Time) (removed []Session) {
	c.Lock()
	defer c.Unlock()
	for mac, gw := range c.gateways {
		if c.expired(gw, now) {
			delete(c.gateways, mac)
			removed = append(removed, gw.session())
			continue
		}
		for token, seen := range gw.pushTokens {
			if now.Sub(seen) >= c.dedupWindow {
				delete(gw.pushTokens, token)
			}
		}
	}
	return removed
}

// list returns all sessions sorted by gateway ID
func (c *gateways) list() []Session {
	c.RLock()
	sessions := make([]Session, 0, len(c.gateways))
	for _, gw := range c.gateways {
		sessions = append(sessions, gw.session())
	}
	c.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].GatewayID < sessions[j].GatewayID
	})
	return sessions
}

func (c *gateways) count() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.gateways)
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
