package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safetrail/backend/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Session is one websocket connection. Reads and writes each run on their
// own goroutine; send is the only cross-goroutine channel.
type Session struct {
	hub       *Hub
	principal core.Principal
	conn      *websocket.Conn
	send      chan []byte
	// done signals writePump to stop. send is never closed; the read path
	// queues messages without holding the hub lock, so closing the channel
	// would race a concurrent trySend.
	done chan struct{}

	// ctx is cancelled on disconnect so in-flight ingest calls stop.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, principal core.Principal) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		hub:       h,
		principal: principal,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// trySend queues a message without blocking. False means the buffer is full
// or the session is closing and should be dropped.
func (s *Session) trySend(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(format string, args ...interface{}) {
	payload, err := json.Marshal(map[string]string{"message": fmt.Sprintf(format, args...)})
	if err != nil {
		return
	}
	msg, _ := json.Marshal(Message{Type: VerbError, Data: payload})
	s.trySend(msg)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.hub.unregister(s)
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes client messages until the connection drops.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}
		s.hub.handleMessage(s, msg)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
