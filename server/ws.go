package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pathomics/wsiflow/errors"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (progress sockets are
	// write-mostly; inbound frames are control traffic only)
	maxMessageSize = 4096

	// Outbound buffer per connection before the sink is considered stalled
	sinkBufferSize = 64
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// wsSink adapts one WebSocket connection to the hub's Sink interface.
// Send enqueues without blocking; a full buffer fails the sink so the
// hub drops it instead of stalling publishers.
type wsSink struct {
	conn *websocket.Conn
	send chan interface{}

	mu     sync.Mutex
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{
		conn: conn,
		send: make(chan interface{}, sinkBufferSize),
	}
}

// Send enqueues a message for the write pump
func (c *wsSink) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("sink closed")
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.New("sink buffer full")
	}
}

// close marks the sink dead and wakes the write pump
func (c *wsSink) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send buffer onto the connection and keeps the
// peer alive with pings. Runs on the handler goroutine.
func (c *wsSink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects the peer going away
func (c *wsSink) readPump(onClose func()) {
	defer onClose()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleJobSocket streams one job's progress events.
// Path: {prefix}/ws/jobs/{id}.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, s.cfg.App.APIPrefix+"/ws/jobs/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	jobID := parts[0]

	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "job_id", shortID(jobID), "error", err)
		return
	}

	sink := newWSSink(conn)
	s.hub.SubscribeJob(jobID, sink)
	s.logger.Infow("Job progress socket opened", "job_id", shortID(jobID))

	go sink.readPump(func() {
		s.hub.UnsubscribeJob(jobID, sink)
		sink.close()
		s.logger.Infow("Job progress socket closed", "job_id", shortID(jobID))
	})

	// Initial snapshot so the client renders current state before the
	// next live event.
	s.hub.PublishJob(job)

	sink.writePump()
}

// handleWorkflowSocket streams one workflow's aggregate progress events.
// Path: {prefix}/ws/workflows/{id}.
func (s *Server) handleWorkflowSocket(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, s.cfg.App.APIPrefix+"/ws/workflows/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	workflowID := parts[0]

	if _, err := s.store.GetWorkflow(workflowID); err != nil {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "workflow_id", shortID(workflowID), "error", err)
		return
	}

	sink := newWSSink(conn)
	s.hub.SubscribeWorkflow(workflowID, sink)
	s.logger.Infow("Workflow progress socket opened", "workflow_id", shortID(workflowID))

	go sink.readPump(func() {
		s.hub.UnsubscribeWorkflow(workflowID, sink)
		sink.close()
		s.logger.Infow("Workflow progress socket closed", "workflow_id", shortID(workflowID))
	})

	s.hub.PublishWorkflow(workflowID)

	sink.writePump()
}
