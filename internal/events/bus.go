package events

import (
	"sync"
	"time"

	"labcopilot/internal/models"
)

// Conn is the write half of a live connection. *websocket.Conn satisfies
// it directly.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// sendBuffer bounds how far a slow client may lag before events are
// dropped. Events are a live status stream, not an audit log; there is
// no backlog.
const sendBuffer = 32

// Bus fans lifecycle events out to the single live connection of each
// session. Sequence numbers increase strictly per session even across
// dropped events and reconnects, so clients can detect gaps but never
// replay them.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu   sync.Mutex
	seq  uint64
	ch   chan *models.ToolEvent // nil while no connection is attached
	stop chan struct{}
}

func NewBus() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

// Publish assigns the session's next sequence number and, if a live
// connection is attached, hands the event to its writer without blocking.
// With no connection, or a full buffer, the event is dropped.
func (b *Bus) Publish(sessionID string, kind models.EventKind, payload map[string]string) {
	if sessionID == "" {
		return
	}
	st := b.stream(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev := &models.ToolEvent{
		Type:      models.ToolEventType,
		SessionID: sessionID,
		Seq:       st.seq,
		Kind:      kind,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
	if st.ch == nil {
		return
	}
	// The send stays under st.mu so events enter the buffer in sequence
	// order even with concurrent publishers. It cannot block: a full
	// buffer hits the default case.
	select {
	case st.ch <- ev:
	default:
		// Slow client; drop rather than block the producer.
	}
}

// Attach binds a connection to the session, superseding (closing) any
// previously attached one. A writer goroutine drains the session's buffer
// until the connection fails or is replaced.
func (b *Bus) Attach(sessionID string, conn Conn) {
	st := b.stream(sessionID)

	st.mu.Lock()
	if st.stop != nil {
		close(st.stop)
	}
	ch := make(chan *models.ToolEvent, sendBuffer)
	stop := make(chan struct{})
	st.ch = ch
	st.stop = stop
	st.mu.Unlock()

	go st.pump(conn, ch, stop)
}

// Detach closes the session's current connection, if any.
func (b *Bus) Detach(sessionID string) {
	b.mu.Lock()
	st, ok := b.streams[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.stop != nil {
		close(st.stop)
		st.stop = nil
		st.ch = nil
	}
	st.mu.Unlock()
}

// Forget drops all delivery state for a destroyed session.
func (b *Bus) Forget(sessionID string) {
	b.Detach(sessionID)
	b.mu.Lock()
	delete(b.streams, sessionID)
	b.mu.Unlock()
}

func (b *Bus) stream(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sessionID]
	if !ok {
		st = &stream{}
		b.streams[sessionID] = st
	}
	return st
}

func (st *stream) pump(conn Conn, ch chan *models.ToolEvent, stop chan struct{}) {
	defer conn.Close()
	for {
		select {
		case <-stop:
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				st.mu.Lock()
				if st.ch == ch {
					st.ch = nil
					st.stop = nil
				}
				st.mu.Unlock()
				return
			}
		}
	}
}
