package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/billscan/internal/bill"
)

// BillEvent is one status update pushed to event stream subscribers.
type BillEvent struct {
	Type     string     `json:"type"` // "snapshot" or "update"
	BillID   string     `json:"bill_id"`
	State    bill.State `json:"state"`
	HasHard  bool       `json:"has_hard_findings"`
	Findings int        `json:"findings"`
	At       time.Time  `json:"at"`
}

// eventHub fans bill events out to the WebSocket subscribers of each bill.
type eventHub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *eventHub) subscribe(billID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[billID] == nil {
		h.subs[billID] = make(map[*websocket.Conn]struct{})
	}
	h.subs[billID][conn] = struct{}{}
}

func (h *eventHub) unsubscribe(billID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[billID], conn)
	if len(h.subs[billID]) == 0 {
		delete(h.subs, billID)
	}
}

// publish sends the event to every subscriber of the bill. Slow or broken
// connections are dropped rather than blocking the publisher.
func (h *eventHub) publish(ev BillEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs[ev.BillID]))
	for conn := range h.subs[ev.BillID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unsubscribe(ev.BillID, conn)
			_ = conn.Close()
			continue
		}
		websocketMessagesTotal.WithLabelValues("sent").Inc()
	}
}

// publishState pushes the bill's current state to its subscribers.
func (s *Server) publishState(b *bill.Bill) {
	ev := BillEvent{
		Type:   "update",
		BillID: b.ID,
		State:  b.State,
		At:     time.Now().UTC(),
	}
	if b.Validation != nil {
		ev.HasHard = b.Validation.HasHard()
		ev.Findings = len(b.Validation.Findings)
	}
	s.hub.publish(ev)
}

// WebSocket upgrader; origin checks ride on the CORS configuration.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// billEventsHandler streams bill status events over a WebSocket.
func (s *Server) billEventsHandler(w http.ResponseWriter, r *http.Request) {
	billID := r.PathValue("id")
	b, err := s.bills.GetBill(billID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrading to websocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	s.hub.subscribe(billID, conn)
	defer s.hub.unsubscribe(billID, conn)

	// Initial snapshot so late subscribers see the current state.
	snapshot := BillEvent{
		Type:   "snapshot",
		BillID: b.ID,
		State:  b.State,
		At:     time.Now().UTC(),
	}
	if b.Validation != nil {
		snapshot.HasHard = b.Validation.HasHard()
		snapshot.Findings = len(b.Validation.Findings)
	}
	if data, err := json.Marshal(snapshot); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		websocketMessagesTotal.WithLabelValues("sent").Inc()
	}

	s.logger.Info("event stream opened", "bill_id", billID, "remote_addr", r.RemoteAddr)

	// Keep the connection alive and notice client disconnects.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			websocketMessagesTotal.WithLabelValues("received").Inc()
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
