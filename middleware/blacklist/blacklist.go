// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package blacklist drops the traffic of gateways that are listed by ID or IP address.
//
// Lists are YAML files, either local (watched for changes) or fetched over HTTP:
//
//     - gateway: malicious
//     - ip: 8.8.8.8
//     - ip: 10.0.0.0/8
package blacklist

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// ErrBlacklisted is returned for messages of blacklisted gateways
var ErrBlacklisted = errors.New("blacklist: gateway is blacklisted")

// HTTPClient is used to fetch remote lists
var HTTPClient = &http.Client{Timeout: 10 * time.Second}

type item struct {
	Gateway string `yaml:"gateway"`
	IP      string `yaml:"ip"`
}

// Blacklist middleware
type Blacklist struct {
	log     log.Interface
	watcher *fsnotify.Watcher
	files   map[string]bool
	urls    []string
	done    chan struct{}
	closed  sync.Once

	mu    sync.RWMutex
	lists map[string][]item
	ids   map[string]bool
	ips   map[string]bool
	nets  []*net.IPNet
}

// NewBlacklist returns a middleware that filters traffic from blacklisted gateways.
// Lists that can not be loaded are logged and retried on change or refresh.
func NewBlacklist(lists ...string) (*Blacklist, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &Blacklist{
		log:     log.Get(),
		watcher: watcher,
		files:   make(map[string]bool),
		done:    make(chan struct{}),
		lists:   make(map[string][]item),
	}
	b.updateLookup()
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.log.WithError(err).WithField("List", location).Warn("Could not load blacklist")
		}
	}
	b.FetchRemotes()
	go b.watch()
	return b, nil
}

func (b *Blacklist) addList(location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "", "file":
		return b.addFile(u.Path)
	case "http", "https":
		b.urls = append(b.urls, u.String())
		return nil
	}
	return fmt.Errorf("blacklist: unknown list type %s", u.Scheme)
}

func (b *Blacklist) addFile(filename string) error {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return err
	}
	b.files[filename] = true
	// Watch the directory so that files that are replaced are picked up
	if err := b.watcher.Add(filepath.Dir(filename)); err != nil {
		return err
	}
	return b.read(filename)
}

func (b *Blacklist) watch() {
	for {
		select {
		case <-b.done:
			return
		case e, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !b.files[e.Name] {
				continue
			}
			switch {
			case e.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := b.read(e.Name); err != nil {
					b.log.WithError(err).WithField("List", e.Name).Warn("Could not reload blacklist")
				}
			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				b.set(e.Name, nil)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.WithError(err).Warn("Blacklist watcher error")
		}
	}
}

// WithRefresh periodically fetches the remote lists until the blacklist is closed
func (b *Blacklist) WithRefresh(interval time.Duration) *Blacklist {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.FetchRemotes()
			}
		}
	}()
	return b
}

// FetchRemotes fetches the remote lists. Lists that fail keep their previous contents.
func (b *Blacklist) FetchRemotes() (err error) {
	for _, location := range b.urls {
		if fetchErr := b.fetch(location); fetchErr != nil {
			b.log.WithError(fetchErr).WithField("List", location).Warn("Could not fetch blacklist")
			err = fetchErr
		}
	}
	return err
}

// Close the blacklist watcher
func (b *Blacklist) Close() {
	b.closed.Do(func() {
		close(b.done)
		b.watcher.Close()
	})
}

func parse(data []byte) (list []item, err error) {
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (b *Blacklist) read(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	list, err := parse(data)
	if err != nil {
		return err
	}
	b.set(filename, list)
	return nil
}

func (b *Blacklist) fetch(location string) error {
	resp, err := HTTPClient.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blacklist: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	list, err := parse(data)
	if err != nil {
		return err
	}
	b.set(location, list)
	return nil
}

func (b *Blacklist) set(location string, list []item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if list == nil {
		delete(b.lists, location)
	} else {
		b.lists[location] = list
	}
	b.updateLookup()
	b.log.WithField("List", location).WithField("Items", len(list)).Debug("Updated blacklist")
}

func (b *Blacklist) updateLookup() {
	b.ids = make(map[string]bool)
	b.ips = make(map[string]bool)
	b.nets = nil
	for _, list := range b.lists {
		for _, item := range list {
			if item.Gateway != "" {
				b.ids[item.Gateway] = true
			}
			if item.IP == "" {
				continue
			}
			if _, ipNet, err := net.ParseCIDR(item.IP); err == nil {
				b.nets = append(b.nets, ipNet)
				continue
			}
			if ip := net.ParseIP(item.IP); ip != nil {
				b.ips[ip.String()] = true
			}
		}
	}
}

// Contains returns whether the gateway ID or its address is blacklisted
func (b *Blacklist) Contains(gatewayID string, addr *net.UDPAddr) bool {
	return b.check(gatewayID, addr) != nil
}

func (b *Blacklist) check(gatewayID string, addr *net.UDPAddr) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if gatewayID != "" && b.ids[gatewayID] {
		return fmt.Errorf("%w: gateway ID %s", ErrBlacklisted, gatewayID)
	}
	if addr == nil || addr.IP == nil {
		return nil
	}
	if b.ips[addr.IP.String()] {
		return fmt.Errorf("%w: IP %s", ErrBlacklisted, addr.IP)
	}
	for _, ipNet := range b.nets {
		if ipNet.Contains(addr.IP) {
			return fmt.Errorf("%w: IP %s in %s", ErrBlacklisted, addr.IP, ipNet)
		}
	}
	return nil
}

// HandleConnect blocks blacklisted gateways from connecting
func (b *Blacklist) HandleConnect(_ middleware.Context, msg *types.ConnectMessage) error {
	return b.check(msg.GatewayID, msg.GatewayAddr)
}

// HandleUplink blocks uplink messages from blacklisted gateways
func (b *Blacklist) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	return b.check(msg.GatewayID, msg.GatewayAddr)
}

// HandleStatus blocks status messages from blacklisted gateways
func (b *Blacklist) HandleStatus(_ middleware.Context, msg *types.StatusMessage) error {
	return b.check(msg.GatewayID, msg.GatewayAddr)
}

// HandleDownlink blocks downlink messages to blacklisted gateways
func (b *Blacklist) HandleDownlink(_ middleware.Context, msg *types.DownlinkMessage) error {
	return b.check(msg.GatewayID, nil)
}
