package wsocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"vichat_go_backend/internal/utils/broker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	PoolEventsTopic   = "pool_events"
	CreditTopicPrefix = "credit_update_"
)

// StatusFunc produces the periodic snapshot pushed to admin connections.
type StatusFunc func() interface{}

// Handler relays broker topics to websocket clients.
type Handler struct {
	broker         *broker.Broker
	upgrader       websocket.Upgrader
	statusInterval time.Duration
	status         StatusFunc
}

type Message struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

func NewHandler(b *broker.Broker, upgrader websocket.Upgrader, statusInterval time.Duration, status StatusFunc) *Handler {
	return &Handler{
		broker:         b,
		upgrader:       upgrader,
		statusInterval: statusInterval,
		status:         status,
	}
}

// HandleAdminEvents streams pool status transitions and, when configured,
// a periodic pool status snapshot.
func (h *Handler) HandleAdminEvents(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, PoolEventsTopic, "pool_event", true)
}

// HandleUserEvents streams balance changes of one user.
func (h *Handler) HandleUserEvents(w http.ResponseWriter, r *http.Request, userID string) {
	h.relay(w, r, CreditTopicPrefix+userID, "credit_update", false)
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, topic, msgType string, withStatus bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Error upgrading connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(topic, events)
	log.Debug().Str("topic", topic).Msg("WebSocket subscriber connected")

	var writeMu sync.Mutex
	send := func(typ string, v interface{}) error {
		content, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(Message{Type: typ, Content: content})
	}

	var tick <-chan time.Time
	if withStatus && h.status != nil && h.statusInterval > 0 {
		ticker := time.NewTicker(h.statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				if err := send(msgType, msg); err != nil {
					log.Debug().Err(err).Msg("Error sending event")
					return
				}
			case <-tick:
				if err := send("pool_status", h.status()); err != nil {
					log.Debug().Err(err).Msg("Error sending pool status")
					return
				}
			}
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("WebSocket subscriber disconnected")
			return
		}
		switch msg.Type {
		case "get_pool_status":
			if !withStatus || h.status == nil {
				continue
			}
			if err := send("pool_status", h.status()); err != nil {
				return
			}
		case "ping":
			if err := send("pong", nil); err != nil {
				return
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("Unknown message type")
		}
	}
}
