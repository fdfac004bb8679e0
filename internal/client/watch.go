package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	api "github.com/GriffinCanCode/saltwater/internal/api/http"
)

// StreamURL turns the daemon's base URL into the /stream websocket URL.
func StreamURL(base string, interval time.Duration) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("daemon url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	if interval > 0 {
		u.RawQuery = url.Values{"interval": {interval.String()}}.Encode()
	}
	return u.String(), nil
}

// Watch subscribes to /stream and calls fn for every snapshot until ctx is
// done or fn returns an error, which Watch then returns.
func (c *Client) Watch(ctx context.Context, interval time.Duration, fn func(api.StreamFrame) error) error {
	target, err := StreamURL(c.base, interval)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w", target, &APIError{Status: resp.StatusCode})
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame api.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if frame.Type != api.FrameSnapshot {
			continue
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
