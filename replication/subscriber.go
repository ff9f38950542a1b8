package replication

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/litekeeper/litekeeper/observability"
)

const dialTimeout = 5 * time.Second

// PrimaryResolver returns the websocket URL of the current primary, or
// ok=false when no primary is known yet.
type PrimaryResolver func() (url string, ok bool)

// Subscriber is the replica side of the replication channel. It dials the
// current primary, applies the incoming stream through a single-threaded
// read loop, acks applied positions, and requests a snapshot resync when
// the applier reports a gap. Reconnects are paced by a rate limiter so a
// flapping primary is not hammered.
//
// While paused (this node is primary) the subscriber holds no connection.
type Subscriber struct {
	replicaID string
	resolve   PrimaryResolver
	applier   *Applier
	limiter   *rate.Limiter

	mu        sync.Mutex
	paused    bool
	connected bool
	conn      *websocket.Conn
}

// NewSubscriber initializes a subscriber that reconnects at most once per
// reconnectEvery.
func NewSubscriber(replicaID string, resolve PrimaryResolver, applier *Applier, reconnectEvery time.Duration) *Subscriber {
	return &Subscriber{
		replicaID: replicaID,
		resolve:   resolve,
		applier:   applier,
		limiter:   rate.NewLimiter(rate.Every(reconnectEvery), 1),
	}
}

// Pause drops the current connection and stops dialing. Promotion hook.
func (s *Subscriber) Pause() {
	s.mu.Lock()
	s.paused = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.setConnected(false)
}

// Resume restarts dialing. Demotion hook.
func (s *Subscriber) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Connected reports whether a live channel to the primary exists. When
// false, local reads are stale and the health reporter labels them so.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Subscriber) setConnected(c bool) {
	s.mu.Lock()
	s.connected = c
	s.mu.Unlock()
	if c {
		observability.ReplicaConnected.Set(1)
	} else {
		observability.ReplicaConnected.Set(0)
	}
}

// Run drives the connect/apply loop until ctx ends.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}

		url, ok := s.resolve()
		if !ok {
			continue
		}

		if err := s.runOnce(ctx, url); err != nil && ctx.Err() == nil {
			log.Printf("Subscriber: channel to %s closed: %v", url, err)
		}
		s.setConnected(false)

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	hs, err := NewMessage(MsgHandshake, HandshakeMessage{
		ReplicaID:  s.replicaID,
		AppliedSeq: s.applier.AppliedSeq(),
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(hs); err != nil {
		return err
	}

	s.setConnected(true)
	log.Printf("Subscriber: connected to primary at %s (applied seq=%d)", url, s.applier.AppliedSeq())

	return s.readLoop(ctx, conn)
}

// readLoop is the single apply thread: entries are handled one at a time
// so out-of-order delivery can never produce out-of-order application.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case MsgEntry:
			var e Entry
			if err := msg.Decode(&e); err != nil {
				continue
			}
			if err := s.handleEntry(ctx, conn, e); err != nil {
				return err
			}

		case MsgSnapshot:
			var snap SnapshotMessage
			if err := msg.Decode(&snap); err != nil {
				continue
			}
			if err := s.applier.ApplySnapshot(ctx, &snap); err != nil {
				log.Printf("Subscriber: snapshot apply failed: %v", err)
				continue
			}
			if err := s.ack(conn); err != nil {
				return err
			}

		case MsgHeartbeat:
			var hb HeartbeatMessage
			if err := msg.Decode(&hb); err != nil {
				continue
			}
			if err := s.applier.ObservePrimarySeq(hb.CommittedSeq, hb.Epoch); errors.Is(err, ErrReplicationGap) {
				if rerr := s.requestResync(conn, "stream_reset"); rerr != nil {
					return rerr
				}
				continue
			}
			if err := s.ack(conn); err != nil {
				return err
			}

		case MsgError:
			var em ErrorMessage
			if err := msg.Decode(&em); err == nil {
				log.Printf("Subscriber: error from primary: %s", em.Message)
			}

		default:
			log.Printf("Subscriber: unknown message type %d", msg.Type)
		}
	}
}

func (s *Subscriber) handleEntry(ctx context.Context, conn *websocket.Conn, e Entry) error {
	err := s.applier.Apply(ctx, e)
	switch {
	case err == nil:
		return s.ack(conn)

	case errors.Is(err, ErrReplicationGap):
		// Gap or stream reset: ask for a full resync, never skip ahead.
		return s.requestResync(conn, "gap")

	default:
		// Application errors are logged but do not tear down the channel.
		log.Printf("Subscriber: apply entry seq=%d failed: %v", e.Seq, err)
		return nil
	}
}

func (s *Subscriber) requestResync(conn *websocket.Conn, reason string) error {
	observability.SnapshotResyncs.Inc()
	req, err := NewMessage(MsgSnapshotRequest, SnapshotRequestMessage{
		ReplicaID: s.replicaID,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(req)
}

func (s *Subscriber) ack(conn *websocket.Conn) error {
	msg, err := NewMessage(MsgAck, AckMessage{
		ReplicaID:  s.replicaID,
		AppliedSeq: s.applier.AppliedSeq(),
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
