package hubserver

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/nkkko/livesync/internal/hub"
	"github.com/rs/zerolog"
)

// session is one client connected to a hub
type session struct {
	id     string
	hub    string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	writeMu sync.Mutex
}

func newSession(id, hubName string, conn *websocket.Conn, buffer int, logger zerolog.Logger) *session {
	return &session{
		id:     id,
		hub:    hubName,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("connection_id", id).Str("hub", hubName).Logger(),
	}
}

// enqueue schedules data for writing without blocking. It reports false
// when the session is closed or its buffer is full.
func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		s.logger.Warn().Msg("Session send buffer full, dropping message")
		return false
	}
}

// writeLoop drains the send queue and emits keep-alive pings
func (s *session) writeLoop(keepAlive, writeTimeout time.Duration) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ping := hub.EncodePing()
	for {
		var data []byte
		select {
		case <-s.done:
			return
		case data = <-s.send:
		case <-ticker.C:
			data = ping
		}

		if err := s.write(data, writeTimeout); err != nil {
			s.logger.Debug().Err(err).Msg("WebSocket write error")
			s.close()
			return
		}
	}
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// close stops the writer and closes the socket
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// closeWithMessage sends a Close record before closing
func (s *session) closeWithMessage(errMsg string, allowReconnect bool) {
	s.once.Do(func() {
		close(s.done)
		_ = s.write(hub.EncodeClose(errMsg, allowReconnect), time.Second)
		s.conn.Close()
	})
}
