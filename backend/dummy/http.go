// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	"github.com/go-chi/chi/v5"
	"github.com/googollee/go-socket.io"
)

// Socket.io room and event names of the debug page
const (
	room          = "evts"
	connectEvt    = "gtw-connect"
	disconnectEvt = "gtw-disconnect"
	uplinkEvt     = "uplink"
	downlinkEvt   = "downlink"
	statusEvt     = "status"
	resultEvt     = "downlink-result"
)

type event struct {
	name    string
	payload interface{}
}

// Server is a http server that broadcasts the events of the bridge to the
// websockets of the debug page in ./assets
type Server struct {
	ctx    log.Interface
	addr   string
	server *socketio.Server
	events chan event

	gateways mapset.Set
}

// NewServer creates a new server
func NewServer(ctx log.Interface, addr string) (*Server, error) {
	server, err := socketio.NewServer(nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ctx:      ctx.WithField("Connector", "Dummy-HTTP"),
		server:   server,
		addr:     addr,
		events:   make(chan event, BufferSize*6),
		gateways: mapset.NewSet(),
	}
	server.On("connection", s.handleSocket)
	return s, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/socket.io/*", s.server)
	r.Get("/gateways", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(s.ConnectedGateways()); err != nil {
			s.ctx.WithError(err).Warn("Could not write gateways")
		}
	})
	r.Handle("/*", http.FileServer(http.Dir("./assets")))
	return r
}

// Listen starts broadcasting events and serves HTTP until that fails
func (s *Server) Listen() {
	go s.broadcast()
	s.ctx.Infof("HTTP server listening on %s", s.addr)
	if err := http.ListenAndServe(s.addr, s.Handler()); err != nil {
		s.ctx.WithError(err).Fatal("Could not serve HTTP")
	}
}

func (s *Server) handleSocket(so socketio.Socket) {
	ctx := s.ctx.WithField("ID", so.Id())
	ctx.Debug("Socket connected")
	so.Join(room)
	so.On("disconnection", func() {
		ctx.Debug("Socket disconnected")
	})
}

func (s *Server) broadcast() {
	for evt := range s.events {
		marshalled, err := json.Marshal(evt.payload)
		if err != nil {
			s.ctx.WithError(err).WithField("Event", evt.name).Error("Could not marshal event")
			continue
		}
		s.server.BroadcastTo(room, evt.name, string(marshalled))
	}
}

// publish queues an event for the websockets; events are dropped when nobody keeps up
func (s *Server) publish(name string, payload interface{}) {
	select {
	case s.events <- event{name: name, payload: payload}:
	default:
		s.ctx.WithField("Event", name).Warn("Dropping event on websocket")
	}
}

// Uplink emits an uplink message on the server page
func (s *Server) Uplink(msg *types.UplinkMessage) { s.publish(uplinkEvt, msg) }

// Downlink emits a downlink message on the server page
func (s *Server) Downlink(msg *types.DownlinkMessage) { s.publish(downlinkEvt, msg) }

// Status emits a status message on the server page
func (s *Server) Status(msg *types.StatusMessage) { s.publish(statusEvt, msg) }

// Result emits a downlink result on the server page
func (s *Server) Result(msg *types.DownlinkResultMessage) { s.publish(resultEvt, msg) }

// Connect marks a gateway as connected and emits it on the server page
func (s *Server) Connect(gatewayID string) {
	if s.gateways.Add(gatewayID) {
		s.publish(connectEvt, gatewayID)
	}
}

// Disconnect marks a gateway as disconnected and emits it on the server page
func (s *Server) Disconnect(gatewayID string) {
	if s.gateways.Contains(gatewayID) {
		s.gateways.Remove(gatewayID)
		s.publish(disconnectEvt, gatewayID)
	}
}

// ConnectedGateways returns the sorted IDs of the connected gateways
func (s *Server) ConnectedGateways() []string {
	gateways := make([]string, 0, s.gateways.Cardinality())
	for _, id := range s.gateways.ToSlice() {
		gateways = append(gateways, id.(string))
	}
	sort.Strings(gateways)
	return gateways
}
