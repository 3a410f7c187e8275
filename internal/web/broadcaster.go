package web

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botross/brushcnc/internal/logic/motion"
)

// Event levels.
const (
	LevelInfo   = "info"
	LevelError  = "error"
	LevelStatus = "status"
)

// StatusEvent is one message on the status stream: a log line, a homing
// outcome or a machine snapshot.
type StatusEvent struct {
	Time   string         `json:"t"`
	Level  string         `json:"l,omitempty"`
	Msg    string         `json:"msg,omitempty"`
	Status *motion.Status `json:"status,omitempty"`
}

// StatusBroadcaster fans events out to every SSE and websocket client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	dropped atomic.Int64
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives encoded events and a cleanup
// function the caller must call when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many deliveries were skipped because a client's
// buffer was full.
func (b *StatusBroadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Broadcast sends a text event to all subscribed clients.
// Encoded as {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelInfo, msg)
}

// BroadcastStatus sends a machine snapshot to all subscribed clients.
func (b *StatusBroadcaster) BroadcastStatus(st motion.Status) {
	b.send(StatusEvent{Level: LevelStatus, Status: &st})
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// BroadcastWriter returns an io.Writer that broadcasts every written
// line, for mirroring the debug log to stream clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
