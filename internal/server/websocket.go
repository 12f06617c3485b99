package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// checkOrigin accepts same-host clients and the configured CORS origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.cfg.CORSOrigin == "*" || origin == s.cfg.CORSOrigin
}

// ClientMessage is a request sent by a WebSocket client.
type ClientMessage struct {
	Type    string      `json:"type"` // "enqueue", "cancel", "cancel_all"
	ID      string      `json:"id,omitempty"`
	Token   task.Token  `json:"token,omitempty"`
	Image   []byte      `json:"image,omitempty"`
	Options *JobOptions `json:"options,omitempty"`
}

// ServerMessage is anything the server pushes to a WebSocket client.
type ServerMessage struct {
	Type      string               `json:"type"` // "queued", "cancelled", "result", "completed", "error"
	ID        string               `json:"id,omitempty"`
	Token     task.Token           `json:"token,omitempty"`
	Result    *recognizer.Result   `json:"result,omitempty"`
	Results   []*recognizer.Result `json:"results,omitempty"`
	Cancelled *bool                `json:"cancelled,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// completedMessage always carries a results array, even when empty.
type completedMessage struct {
	Type    string               `json:"type"`
	Token   task.Token           `json:"token"`
	Results []*recognizer.Result `json:"results"`
}

// wsClient is the listener registered for a socket's requester. Listener
// callbacks run on the scheduler worker, so they only queue frames; a
// dedicated goroutine writes them.
type wsClient struct {
	conn      *websocket.Conn
	requester task.RequesterID
	client    string
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

func newWSClient(conn *websocket.Conn, requester task.RequesterID, client string) *wsClient {
	return &wsClient{
		conn:      conn,
		requester: requester,
		client:    client,
		send:      make(chan []byte, wsSendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *wsClient) OnResult(token task.Token, result *recognizer.Result) {
	c.push(ServerMessage{Type: "result", Token: token, Result: result})
}

func (c *wsClient) OnCompleted(token task.Token, results []*recognizer.Result) {
	if results == nil {
		results = []*recognizer.Result{}
	}
	c.push(completedMessage{Type: "completed", Token: token, Results: results})
}

// push queues a frame; a client that cannot keep up is disconnected rather
// than stalling the worker.
func (c *wsClient) push(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal WebSocket message", "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		websocketMessagesTotal.WithLabelValues("dropped").Inc()
		slog.Warn("WebSocket client too slow, disconnecting", "requester", c.requester)
		c.close()
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump owns all writes to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
			websocketMessagesTotal.WithLabelValues("sent").Inc()
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// webSocketHandler registers the socket as its requester's listener and
// serves enqueue and cancel requests until the socket closes.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterParam(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}

	c := newWSClient(conn, requester, clientIP(r))
	s.attachSocket(c)
	websocketConnections.Inc()
	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr, "requester", requester)

	go c.writePump()
	s.readPump(c)

	current := s.detachSocket(c)
	c.close()
	websocketConnections.Dec()
	slog.Info("WebSocket connection closed", "requester", requester, "replaced", !current)
}

// wsReadLimit bounds one client frame: the base64 form of the largest
// accepted upload plus room for the JSON envelope and options.
func wsReadLimit(maxUpload int64) int64 {
	return (maxUpload+2)/3*4 + 64<<10
}

func (s *Server) readPump(c *wsClient) {
	c.conn.SetReadLimit(wsReadLimit(s.cfg.MaxUploadBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				jobSubmissionsTotal.WithLabelValues("websocket", "too_large").Inc()
				slog.Warn("WebSocket message too large, disconnecting", "requester", c.requester)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				slog.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()
		if messageType != websocket.TextMessage {
			continue
		}
		c.push(s.handleClientMessage(c, data))
	}
}

// handleClientMessage executes one client request and returns the reply.
func (s *Server) handleClientMessage(c *wsClient, data []byte) ServerMessage {
	requester := c.requester
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{Type: "error", Error: fmt.Sprintf("invalid message: %v", err)}
	}

	switch msg.Type {
	case "enqueue":
		params := s.svc.DefaultParams()
		if err := msg.Options.Apply(&params); err != nil {
			return ServerMessage{Type: "error", ID: msg.ID, Error: err.Error()}
		}
		if int64(len(msg.Image)) > s.cfg.MaxUploadBytes {
			jobSubmissionsTotal.WithLabelValues("websocket", "too_large").Inc()
			return ServerMessage{Type: "error", ID: msg.ID, Error: "image too large"}
		}
		if s.limiter.Enabled() {
			if err := s.limiter.Allow(c.client, int64(len(msg.Image))); err != nil {
				var le *LimitError
				if errors.As(err, &le) {
					limitHits.WithLabelValues(le.Kind).Inc()
				}
				jobSubmissionsTotal.WithLabelValues("websocket", "limited").Inc()
				return ServerMessage{Type: "error", ID: msg.ID, Error: fmt.Sprintf("too many requests: %v", err)}
			}
		}
		uploadSizeBytes.Observe(float64(len(msg.Image)))
		token := s.svc.EnqueueData(requester, msg.Image, &params)
		if token == task.InvalidToken {
			jobSubmissionsTotal.WithLabelValues("websocket", "rejected").Inc()
			return ServerMessage{Type: "error", ID: msg.ID, Error: "job rejected"}
		}
		jobSubmissionsTotal.WithLabelValues("websocket", "accepted").Inc()
		return ServerMessage{Type: "queued", ID: msg.ID, Token: token}
	case "cancel":
		ok := s.svc.Cancel(requester, msg.Token)
		return ServerMessage{Type: "cancelled", ID: msg.ID, Token: msg.Token, Cancelled: &ok}
	case "cancel_all":
		ok := s.svc.CancelAll(requester)
		return ServerMessage{Type: "cancelled", ID: msg.ID, Cancelled: &ok}
	default:
		return ServerMessage{Type: "error", ID: msg.ID, Error: "unsupported message type: " + msg.Type}
	}
}
