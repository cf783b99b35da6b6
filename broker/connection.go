package broker

import (
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Liveness liveness state of a connection
type Liveness int

// Liveness states. A connection starts alive, becomes suspected after
// heartbeat silence beyond the suspect threshold, and is evicted once
// silence passes the dead threshold.
const (
	LivenessAlive Liveness = iota
	LivenessSuspected
	LivenessDead
)

// String implement stringer
func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessSuspected:
		return "suspected"
	case LivenessDead:
		return "dead"
	}
	return "unknown"
}

// connection broker-side record of one client transport session. Owned
// exclusively by the broker event loop; only the writer goroutine touches
// the transport after registration.
type connection struct {
	id            uuid.UUID
	transport     MessageTransport
	channels      map[string]bool
	lastHeartbeat time.Time
	liveness      Liveness
	sendQueue     chan []byte
	done          chan struct{}
	stopOnce      sync.Once
	logTags       log.Fields
}

// newConnection define a connection record and start its writer goroutine.
// onWriteFailure is called (from the writer goroutine) when a transport
// write fails; the owner is expected to schedule eviction.
func newConnection(
	id uuid.UUID, transport MessageTransport, queueLen int, onWriteFailure func(uuid.UUID),
) *connection {
	conn := &connection{
		id:            id,
		transport:     transport,
		channels:      make(map[string]bool),
		lastHeartbeat: time.Now(),
		liveness:      LivenessAlive,
		sendQueue:     make(chan []byte, queueLen),
		done:          make(chan struct{}),
		logTags: log.Fields{
			"module":     "broker",
			"component":  "connection",
			"connection": id.String(),
			"peer":       transport.RemoteAddr(),
		},
	}
	go conn.writerLoop(onWriteFailure)
	return conn
}

// queueWrite enqueue a payload for the writer goroutine. Returns false if
// the queue is full, which the broker treats as a failed connection.
func (c *connection) queueWrite(payload []byte) bool {
	select {
	case c.sendQueue <- payload:
		return true
	default:
		return false
	}
}

// writerLoop drain the send queue onto the transport. Exits on write
// failure or stop.
func (c *connection) writerLoop(onWriteFailure func(uuid.UUID)) {
	defer log.WithFields(c.logTags).Debug("Writer loop exiting")
	for {
		select {
		case payload := <-c.sendQueue:
			if err := c.transport.WriteMessage(payload); err != nil {
				log.WithError(err).WithFields(c.logTags).Error("Transport write failed")
				if onWriteFailure != nil {
					onWriteFailure(c.id)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// stop stop the writer goroutine and close the transport. Safe to repeat.
func (c *connection) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			log.WithError(err).WithFields(c.logTags).Debug("Transport close failed")
		}
	})
}
