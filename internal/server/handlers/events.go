package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/events"
)

const (
	defaultEventLimit = 50
	streamBuffer      = 64
	writeWait         = 10 * time.Second
	pingPeriod        = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventSource is the part of the event bus the handlers read from
type EventSource interface {
	Recent(filter events.EventFilter, limit int) []events.Event
	Subscribe(filter events.EventFilter, handler events.EventHandler) *events.Subscription
	Unsubscribe(subscriptionID string) error
	Stats() events.EventStats
}

// EventHandler serves recent events and the live event stream
type EventHandler struct {
	source EventSource
	logger hclog.Logger
}

// NewEventHandler creates an event handler
func NewEventHandler(source EventSource, logger hclog.Logger) *EventHandler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EventHandler{source: source, logger: logger}
}

// GetRecent returns the newest stored events. ?type and ?source may be
// repeated or comma separated; ?limit bounds the result.
func (h *EventHandler) GetRecent(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	recent := h.source.Recent(filterFromQuery(c), limit)
	c.JSON(http.StatusOK, gin.H{
		"events": recent,
		"count":  len(recent),
		"stats":  h.source.Stats(),
	})
}

// Stream upgrades to a websocket and pushes matching events as JSON until
// the client goes away. Slow clients lose events rather than stall the bus.
func (h *EventHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade event stream", "error", err)
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, streamBuffer)
	sub := h.source.Subscribe(filterFromQuery(c), func(ev events.Event) error {
		select {
		case queue <- ev:
		default:
			h.logger.Debug("event stream client lagging, dropping event", "event_id", ev.ID)
		}
		return nil
	})
	defer func() { _ = h.source.Unsubscribe(sub.ID) }()

	h.logger.Debug("event stream client connected", "subscription_id", sub.ID, "remote", c.ClientIP())

	// The read loop only detects disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("event stream write failed", "subscription_id", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug("event stream client disconnected", "subscription_id", sub.ID)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func filterFromQuery(c *gin.Context) events.EventFilter {
	var filter events.EventFilter
	for _, t := range splitQuery(c.QueryArray("type")) {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	filter.Sources = splitQuery(c.QueryArray("source"))
	return filter
}

func splitQuery(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
