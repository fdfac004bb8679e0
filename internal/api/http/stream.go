package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/sched"
)

// Stream intervals.
const (
	DefaultStreamInterval = time.Second
	MinStreamInterval     = 100 * time.Millisecond
)

// Stream frame types.
const (
	FrameSystem   = "system"
	FrameSnapshot = "snapshot"
	FramePong     = "pong"
	FrameError    = "error"
)

// StreamFrame is one message sent on /stream.
type StreamFrame struct {
	Type       string                 `json:"type"`
	Timestamp  int64                  `json:"timestamp"`
	BootID     string                 `json:"boot_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Frames     *frame.Stats           `json:"frames,omitempty"`
	Processors []sched.ProcessorStats `json:"processors,omitempty"`
	Imbalance  float64                `json:"imbalance"`
	Processes  int                    `json:"processes"`
	Metrics    *monitoring.Snapshot   `json:"metrics,omitempty"`
}

// StreamRequest is what a client may send on /stream.
type StreamRequest struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) send(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Stream upgrades to a websocket and pushes a snapshot every interval
// (?interval=500ms, at least MinStreamInterval) until the client goes away.
// A client may send {"type":"ping"}.
func (h *Handlers) Stream(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	interval := DefaultStreamInterval
	if raw := c.Query("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			renderError(c, http.StatusBadRequest, err)
			return
		}
		interval = max(d, MinStreamInterval)
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	conn := &streamConn{conn: ws}

	ctx := c.Request.Context()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req StreamRequest
			if err := sonic.Unmarshal(data, &req); err != nil {
				_ = conn.send(StreamFrame{Type: FrameError, Timestamp: time.Now().Unix(), Message: "malformed request"})
				continue
			}
			switch req.Type {
			case "ping":
				_ = conn.send(StreamFrame{Type: FramePong, Timestamp: time.Now().Unix()})
			default:
				_ = conn.send(StreamFrame{Type: FrameError, Timestamp: time.Now().Unix(), Message: "unknown message type"})
			}
		}
	}()

	if err := conn.send(StreamFrame{
		Type:      FrameSystem,
		Timestamp: time.Now().Unix(),
		BootID:    h.kernel.BootID().String(),
		Message:   "streaming every " + interval.String(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := conn.send(h.snapshotFrame()); err != nil {
			h.logger.Debug("stream closed", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (h *Handlers) snapshotFrame() StreamFrame {
	frames := h.kernel.Frames().Stats()
	reg := h.kernel.Registry()
	out := StreamFrame{
		Type:       FrameSnapshot,
		Timestamp:  time.Now().Unix(),
		BootID:     h.kernel.BootID().String(),
		Frames:     &frames,
		Processors: reg.Stats(),
		Imbalance:  reg.Imbalance(),
		Processes:  len(h.kernel.Processes()),
	}
	if h.metrics != nil {
		snap := h.metrics.Snapshot()
		out.Metrics = &snap
	}
	return out
}
