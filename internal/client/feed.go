package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/beacon/internal/model"
)

// FeedURL turns an http(s) server address into its WebSocket feed URL.
func FeedURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Tail subscribes to the live feed at wsURL and calls fn for every message,
// starting with the connection ack. It returns nil when ctx is cancelled or
// the server closes the feed normally, and the first error from fn otherwise.
func Tail(ctx context.Context, wsURL string, fn func(model.Message) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode feed message: %w", err)
		}
		if err := fn(msg); err != nil {
			if errors.Is(err, ErrStopTail) {
				return nil
			}
			return err
		}
	}
}

// ErrStopTail may be returned by a Tail callback to end the subscription
// without error.
var ErrStopTail = errors.New("stop tail")
