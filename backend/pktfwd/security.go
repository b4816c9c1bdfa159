// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"fmt"
	"net"

	"github.com/brocaar/lorawan"
)

// sourceLock binds a live session to the address it was first seen on
type sourceLock struct {
	ip   bool
	port bool
}

func (l sourceLock) check(mac lorawan.EUI64, existing, addr *net.UDPAddr) error {
	if existing == nil || addr == nil {
		return nil
	}
	if (l.ip || l.port) && !existing.IP.Equal(addr.IP) {
		return fmt.Errorf("security: inconsistent IP address for gateway %s: %s (expected %s)", mac, addr.IP, existing.IP)
	}
	if l.port && existing.Port != addr.Port {
		return fmt.Errorf("security: inconsistent port for gateway %s: %d (expected %d)", mac, addr.Port, existing.Port)
	}
	return nil
}
