package replication

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/litekeeper/litekeeper/observability"
)

const (
	maxReplicaConnections = 64
	writeTimeout          = 5 * time.Second
	heartbeatInterval     = 1 * time.Second
)

// SnapshotSource produces a consistent snapshot of the store together with
// the sequence number it is current as of. Implemented by the write gate,
// which holds its commit lock across both reads.
type SnapshotSource interface {
	SnapshotWithSeq(ctx context.Context) (map[string][]byte, uint64, error)
}

// Hub is the primary side of the replication channel. It accepts replica
// websocket connections, replays the retained log tail (or a snapshot) to
// bring them current, broadcasts committed entries in commit order, and
// tracks per-replica acked positions for lag reporting.
//
// The hub only serves while activated; a demoted node deactivates it and
// drops all replicas so they re-home to the new primary.
type Hub struct {
	log      *Log
	source   SnapshotSource
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	active   bool
	epoch    int64
	replicas map[*websocket.Conn]*replicaState
}

type replicaState struct {
	id       string
	ackedSeq uint64
	lastSeen time.Time
	writeMu  sync.Mutex
}

// NewHub creates a replication hub over the given log and snapshot source.
func NewHub(l *Log, source SnapshotSource) *Hub {
	return &Hub{
		log:      l,
		source:   source,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		replicas: make(map[*websocket.Conn]*replicaState),
	}
}

// Activate switches the hub into sender mode for the given fencing epoch.
// Called from the promotion hook.
func (h *Hub) Activate(epoch int64) {
	h.mu.Lock()
	h.active = true
	h.epoch = epoch
	h.mu.Unlock()
	log.Printf("Hub: activated as replication sender (epoch %d)", epoch)
}

// Deactivate drops all replicas and stops serving. Called on demotion.
func (h *Hub) Deactivate() {
	h.mu.Lock()
	h.active = false
	conns := make([]*websocket.Conn, 0, len(h.replicas))
	for conn := range h.replicas {
		conns = append(conns, conn)
	}
	h.replicas = make(map[*websocket.Conn]*replicaState)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	observability.ConnectedReplicas.Set(0)
	log.Printf("Hub: deactivated, dropped %d replicas", len(conns))
}

// Run broadcasts heartbeats with the committed position until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Deactivate()
			return
		case <-ticker.C:
			h.mu.RLock()
			active := h.active
			epoch := h.epoch
			h.mu.RUnlock()
			if !active {
				continue
			}
			msg, err := NewMessage(MsgHeartbeat, HeartbeatMessage{
				CommittedSeq: h.log.CommittedSeq(),
				Epoch:        epoch,
			})
			if err != nil {
				continue
			}
			h.broadcast(msg)
		}
	}
}

// HandleReplica is the websocket endpoint replicas dial.
func (h *Hub) HandleReplica(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	active := h.active
	count := len(h.replicas)
	h.mu.RUnlock()

	if !active {
		http.Error(w, "not primary", http.StatusServiceUnavailable)
		return
	}
	if count >= maxReplicaConnections {
		http.Error(w, "too many replicas", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Hub: upgrade failed: %v", err)
		return
	}

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != MsgHandshake {
		conn.Close()
		return
	}
	var hs HandshakeMessage
	if err := msg.Decode(&hs); err != nil {
		conn.Close()
		return
	}

	rs := &replicaState{id: hs.ReplicaID, ackedSeq: hs.AppliedSeq, lastSeen: time.Now()}

	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.replicas[conn] = rs
	total := len(h.replicas)
	h.mu.Unlock()

	observability.ConnectedReplicas.Set(float64(total))
	log.Printf("Hub: replica %s connected at seq=%d. Total: %d", hs.ReplicaID, hs.AppliedSeq, total)

	if err := h.catchUp(r.Context(), conn, rs, hs.AppliedSeq); err != nil {
		log.Printf("Hub: catch-up for replica %s failed: %v", hs.ReplicaID, err)
		h.unregister(conn)
		return
	}

	h.readPump(r.Context(), conn, rs)
}

// catchUp replays retained entries after the replica's position, or ships a
// full snapshot when the tail has been truncated past it.
func (h *Hub) catchUp(ctx context.Context, conn *websocket.Conn, rs *replicaState, appliedSeq uint64) error {
	entries, ok := h.log.EntriesFrom(appliedSeq + 1)
	if !ok {
		return h.sendSnapshot(ctx, conn, rs)
	}
	for _, e := range entries {
		msg, err := NewMessage(MsgEntry, e)
		if err != nil {
			return err
		}
		if err := h.send(conn, rs, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) sendSnapshot(ctx context.Context, conn *websocket.Conn, rs *replicaState) error {
	data, seq, err := h.source.SnapshotWithSeq(ctx)
	if err != nil {
		return err
	}
	h.mu.RLock()
	epoch := h.epoch
	h.mu.RUnlock()

	msg, err := NewMessage(MsgSnapshot, SnapshotMessage{
		SnapshotID: uuid.NewString(),
		Seq:        seq,
		Epoch:      epoch,
		Data:       data,
	})
	if err != nil {
		return err
	}
	observability.SnapshotResyncs.Inc()
	return h.send(conn, rs, msg)
}

// readPump consumes acks and snapshot requests from one replica.
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, rs *replicaState) {
	defer h.unregister(conn)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case MsgAck:
			var ack AckMessage
			if err := msg.Decode(&ack); err != nil {
				continue
			}
			h.mu.Lock()
			rs.ackedSeq = ack.AppliedSeq
			rs.lastSeen = time.Now()
			h.mu.Unlock()

		case MsgSnapshotRequest:
			var req SnapshotRequestMessage
			if err := msg.Decode(&req); err != nil {
				continue
			}
			log.Printf("Hub: replica %s requested resync (%s)", req.ReplicaID, req.Reason)
			if err := h.sendSnapshot(ctx, conn, rs); err != nil {
				log.Printf("Hub: snapshot for replica %s failed: %v", req.ReplicaID, err)
				return
			}

		default:
			log.Printf("Hub: unexpected message type %d from replica %s", msg.Type, rs.id)
		}
	}
}

// Broadcast ships one committed entry to every connected replica. Called by
// the write gate after the local commit; delivery is at-least-once and the
// replica side deduplicates by sequence number.
func (h *Hub) Broadcast(e Entry) {
	msg, err := NewMessage(MsgEntry, e)
	if err != nil {
		log.Printf("Hub: encode entry seq=%d failed: %v", e.Seq, err)
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg *Message) {
	h.mu.RLock()
	targets := make(map[*websocket.Conn]*replicaState, len(h.replicas))
	for conn, rs := range h.replicas {
		targets[conn] = rs
	}
	h.mu.RUnlock()

	for conn, rs := range targets {
		if err := h.send(conn, rs, msg); err != nil {
			log.Printf("Hub: write to replica %s failed: %v", rs.id, err)
			h.unregister(conn)
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, rs *replicaState, msg *Message) error {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	rs, ok := h.replicas[conn]
	if ok {
		delete(h.replicas, conn)
	}
	total := len(h.replicas)
	h.mu.Unlock()

	if ok {
		conn.Close()
		observability.ConnectedReplicas.Set(float64(total))
		log.Printf("Hub: replica %s disconnected. Total: %d", rs.id, total)
	}
}

// ReplicaCount returns the number of connected replicas.
func (h *Hub) ReplicaCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.replicas)
}

// Lags returns the committed-minus-acked distance per connected replica.
func (h *Hub) Lags() map[string]uint64 {
	committed := h.log.CommittedSeq()

	h.mu.RLock()
	defer h.mu.RUnlock()

	lags := make(map[string]uint64, len(h.replicas))
	for _, rs := range h.replicas {
		if committed > rs.ackedSeq {
			lags[rs.id] = committed - rs.ackedSeq
		} else {
			lags[rs.id] = 0
		}
	}
	return lags
}
