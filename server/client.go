package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/loom/pulse"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/pulse/notify"
)

// WebSocket timeouts, following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 512
)

// Client is one progress stream subscriber
type Client struct {
	id     string
	conn   *websocket.Conn
	sub    *notify.Subscription
	jobID  string
	logger *zap.SugaredLogger
}

// handleWebSocket streams progress events for ?job= and/or ?owner=.
// A job stream opens with a snapshot of the current record and closes after
// the job reaches a terminal state.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	owner := ownerFrom(r)
	if jobID == "" && owner == "" {
		writeError(w, http.StatusBadRequest, "job or owner is required")
		return
	}

	// Subscribe before reading the snapshot so no event after it is lost
	sub := s.cfg.Hub.Subscribe(notify.Filter{JobID: jobID, OwnerID: owner})

	var snapshot *async.Job
	if jobID != "" {
		job, err := s.cfg.Queue.Get(r.Context(), jobID, owner)
		if err != nil {
			sub.Close()
			s.writeServiceError(w, r, err)
			return
		}
		snapshot = job
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	c := &Client{
		id:     id,
		conn:   conn,
		sub:    sub,
		jobID:  jobID,
		logger: s.logger.With("client_id", shortID(id), "job_id", jobID),
	}
	c.logger.Debugw("Progress stream opened", "owner_id", owner)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump(s.ctx, snapshot)
	}()
	c.readPump()
}

// readPump discards client frames and keeps the read deadline fresh. It
// returns when the connection closes, ending the subscription.
func (c *Client) readPump() {
	defer c.sub.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, snapshot *async.Job) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if snapshot != nil {
		ev := snapshotEvent(snapshot)
		if !c.write(ev) || c.finished(ev) {
			c.close(websocket.CloseNormalClosure, "job finished")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
			if !c.write(ev) {
				return
			}
			if c.finished(ev) {
				c.close(websocket.CloseNormalClosure, "job finished")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev pulse.Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Debugw("WebSocket write failed", "error", err)
		return false
	}
	return true
}

func (c *Client) close(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// finished reports whether ev ends a single-job stream
func (c *Client) finished(ev pulse.Event) bool {
	if c.jobID == "" || ev.JobID != c.jobID {
		return false
	}
	status, err := async.ParseJobStatus(ev.Status)
	return err == nil && status.IsTerminal()
}

func snapshotEvent(job *async.Job) pulse.Event {
	ev := pulse.Event{
		Kind:      pulse.EventUpdate,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		JobKind:   job.Kind,
		Status:    job.Status.String(),
		Message:   "snapshot",
		Timestamp: job.UpdatedAt,
	}
	switch job.Status {
	case async.StatusCompleted:
		ev.Kind = pulse.EventComplete
		ev.Progress = pulse.ProgressDone
		ev.Result = job.Result
	case async.StatusFailed, async.StatusCancelled:
		ev.Kind = pulse.EventError
		ev.Error = job.ErrorMessage
	case async.StatusProcessing:
		ev.Progress = pulse.ProgressStarted
	}
	return ev
}
