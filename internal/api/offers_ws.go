package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetopt/internal/auth"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	wsReadTimeout = 60 * time.Second
	wsPingEvery   = 20 * time.Second
)

// DriverOffersWSHandler streams a driver's offers and their updates on /v1/drivers/{id}/offers/ws.
// Messages: server sends connection_ack, then next{payload: notification}; clients may send ping.
func (s *Server) DriverOffersWSHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/drivers/")
	if len(parts) != 3 || parts[1] != "offers" || parts[2] != "ws" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	driverID := parts[0]
	p, ok := s.require(w, r, nil)
	if !ok {
		return
	}
	if !p.CanDispatch() && (p.Role != auth.RoleDriver || p.DriverID != driverID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "drivers may only stream their own offers", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	ch := s.Broker.Subscribe(driverID)
	defer s.Broker.Unsubscribe(driverID, ch)
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = conn.Close() }()
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				payload, _ := json.Marshal(evt)
				if err := write(wsMessage{Type: "next", Payload: payload}); err != nil {
					return
				}
			case <-ticker.C:
				if err := write(wsMessage{Type: "ping"}); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "complete":
			s.Broker.Unsubscribe(driverID, ch)
		}
	}
	s.Broker.Unsubscribe(driverID, ch)
	<-done
}
