package chattest

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 2 * time.Second

// ConnectionPool tracks the live websocket clients of the fake server and
// fans frames out to them. Writes are serialized by the pool's lock.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[*websocket.Conn]struct{}{}}
}

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes data to every connection except skip, which may be nil.
// Connections that fail a write are dropped.
func (cp *ConnectionPool) Broadcast(data []byte, skip *websocket.Conn) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		if conn == skip {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "chattest").Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
}
