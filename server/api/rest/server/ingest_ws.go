package server

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/documents"
	"github.com/codegraphhq/codegraph/server/services"
)

const (
	// wsHeartbeatInterval is how often a ping frame is sent to keep the
	// connection alive through idle periods.
	wsHeartbeatInterval = 30 * time.Second
	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second
)

// IngestStatusWebSocketAPI streams a job's progress events over a WebSocket.
// The latest known event is delivered first; the stream ends after a
// terminal event.
type IngestStatusWebSocketAPI struct {
	ingestionService services.IngestionService
	progressService  services.ProgressService
	clk              clock.Clock
	upgrader         websocket.Upgrader
	*APIBase
}

func NewIngestStatusWebSocketAPI(
	ingestionService services.IngestionService,
	progressService services.ProgressService,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *IngestStatusWebSocketAPI {
	return &IngestStatusWebSocketAPI{
		ingestionService: ingestionService,
		progressService:  progressService,
		clk:              clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser clients are cross-origin by design
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		APIBase: NewAPIBase(logFactory("IngestStatusWebSocketAPI")),
	}
}

// Status is the handler for the job status WebSocket. An unknown job closes
// the socket with policy violation (1008); internal trouble closes it with
// internal error (1011).
func (a *IngestStatusWebSocketAPI) Status(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		a.Warnf("Unable to upgrade status connection: %v", err)
		return
	}
	defer conn.Close()

	jobID, err := a.JobID(r)
	if err == nil {
		_, err = a.ingestionService.Get(r.Context(), jobID)
	}
	if err != nil {
		if gerror.IsNotFound(err) {
			a.closeWith(conn, websocket.ClosePolicyViolation, "unknown job")
		} else {
			a.Errorf("Unable to resolve job for status stream: %v", err)
			a.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	subscription, err := a.progressService.Subscribe(r.Context(), jobID)
	if err != nil {
		a.Errorf("Unable to subscribe to job %s: %v", jobID, err)
		a.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer subscription.Close()

	// Drain client frames so close and pong frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				subscription.Close()
				return
			}
		}
	}()

	a.stream(conn, jobID, subscription)
}

// stream pumps events to the client with periodic heartbeats until the feed
// ends.
func (a *IngestStatusWebSocketAPI) stream(conn *websocket.Conn, jobID models.JobID, subscription services.Subscription) {
	heartbeat := a.clk.Ticker(wsHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case event, ok := <-subscription.Events():
			if !ok {
				// Feed ended; a terminal event was already delivered
				a.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(documents.MakeEvent(event)); err != nil {
				a.Debugf("Status stream for job %s ended: %v", jobID, err)
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.Debugf("Status stream for job %s ended: %v", jobID, err)
				return
			}
		}
	}
}

func (a *IngestStatusWebSocketAPI) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	message := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteMessage(websocket.CloseMessage, message); err != nil {
		a.Debugf("Unable to write close frame: %v", err)
	}
}
