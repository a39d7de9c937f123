package api

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/slotwatch/slotwatch/store"
)

// StreamMessage is one log line as delivered to stream clients.
type StreamMessage struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Step      string `json:"step,omitempty"`
}

// LogStream fans appended log lines out to connected WebSocket clients and
// keeps a bounded in-memory history so a reconnecting client can catch up
// from a cursor.
type LogStream struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	histMu  sync.RWMutex
	history []StreamMessage
	cap     int

	seq  atomic.Uint64
	stop chan struct{}
	send chan StreamMessage
}

// NewLogStream creates a started LogStream.
func NewLogStream() *LogStream {
	ls := &LogStream{
		clients: make(map[*websocket.Conn]struct{}),
		history: make([]StreamMessage, 0, 500),
		cap:     500,
		stop:    make(chan struct{}),
		send:    make(chan StreamMessage, 100),
	}
	go ls.run()
	return ls
}

// Publish queues a log entry for broadcast. Never blocks: when the queue
// is full the line is dropped from the stream (it is still in the store).
func (ls *LogStream) Publish(e *store.LogEntry) {
	msg := StreamMessage{
		Seq:       ls.seq.Add(1),
		Timestamp: e.Timestamp,
		Level:     e.Level,
		Message:   e.Message,
		Step:      e.Step,
	}
	ls.appendHistory(msg)
	select {
	case ls.send <- msg:
	default:
	}
}

// Close disconnects all clients and stops the broadcast goroutine.
func (ls *LogStream) Close() {
	close(ls.stop)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for conn := range ls.clients {
		conn.Close()
	}
	ls.clients = make(map[*websocket.Conn]struct{})
}

func (ls *LogStream) run() {
	for {
		select {
		case msg := <-ls.send:
			ls.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(ls.clients))
			for c := range ls.clients {
				conns = append(conns, c)
			}
			ls.mu.RUnlock()
			for _, c := range conns {
				if err := c.WriteJSON(msg); err != nil {
					ls.remove(c)
				}
			}
		case <-ls.stop:
			return
		}
	}
}

func (ls *LogStream) add(conn *websocket.Conn) {
	ls.mu.Lock()
	ls.clients[conn] = struct{}{}
	ls.mu.Unlock()
}

func (ls *LogStream) remove(conn *websocket.Conn) {
	ls.mu.Lock()
	if _, ok := ls.clients[conn]; ok {
		delete(ls.clients, conn)
		conn.Close()
	}
	ls.mu.Unlock()
}

func (ls *LogStream) appendHistory(msg StreamMessage) {
	ls.histMu.Lock()
	defer ls.histMu.Unlock()
	ls.history = append(ls.history, msg)
	if len(ls.history) > ls.cap {
		excess := len(ls.history) - ls.cap
		ls.history = append([]StreamMessage(nil), ls.history[excess:]...)
	}
}

// FetchSince returns buffered messages newer than the cursor, oldest
// first, plus the next cursor value.
func (ls *LogStream) FetchSince(cursor uint64, limit int) ([]StreamMessage, uint64) {
	ls.histMu.RLock()
	defer ls.histMu.RUnlock()

	if limit <= 0 || limit > ls.cap {
		limit = ls.cap
	}
	start := len(ls.history)
	for i, m := range ls.history {
		if m.Seq > cursor {
			start = i
			break
		}
	}
	end := start + limit
	if end > len(ls.history) {
		end = len(ls.history)
	}
	out := make([]StreamMessage, end-start)
	copy(out, ls.history[start:end])
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from another origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogStream upgrades the connection, replays recent history, then
// streams live lines until the client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: websocket upgrade failed", "error", err)
		return
	}

	replay, _ := s.stream.FetchSince(0, 100)
	for _, msg := range replay {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return
		}
	}

	s.stream.add(conn)

	// Reader loop: discard client frames, detect disconnect.
	go func() {
		defer s.stream.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
