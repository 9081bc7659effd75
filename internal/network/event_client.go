package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"keyrelay/internal/logging"
	"keyrelay/internal/queue"
)

const (
	eventReadLimit = 4096
	pongWait       = 60 * time.Second
)

// EventClient follows the queue events pushed on the status API websocket.
type EventClient struct {
	addr   string
	logger pslog.Logger

	// Reconnect is the delay before redialing a dropped connection. Zero
	// means Run returns after the first disconnect.
	Reconnect time.Duration
}

// NewEventClient targets the status API at addr (host:port).
func NewEventClient(addr string, logger pslog.Logger) *EventClient {
	return &EventClient{
		addr:   addr,
		logger: logging.WithSubsystem(logger, "relay.events"),
	}
}

// Run delivers every event to fn until ctx ends. It returns nil on
// cancellation and the connection error otherwise.
func (c *EventClient) Run(ctx context.Context, fn func(queue.Event)) error {
	for {
		err := c.session(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if c.Reconnect <= 0 {
			return err
		}
		c.logger.Warn("relay.events.disconnected", "error", err, "retry_in", c.Reconnect.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.Reconnect):
		}
	}
}

func (c *EventClient) session(ctx context.Context, fn func(queue.Event)) error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("network: dial %s: %w", u.String(), err)
	}
	defer conn.Close()
	c.logger.Info("relay.events.connected", "url", u.String())

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(eventReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("network: event stream closed")
			}
			return fmt.Errorf("network: read event: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev queue.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("relay.events.invalid", "error", err)
			continue
		}
		if ev.Ready {
			ev.State = queue.Ready
		} else {
			ev.State = queue.Busy
		}
		fn(ev)
	}
}
