package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/protocol"
)

// queueManager owns one outbound MessageQueue per (peer, protocol) pair.
// Each queue writes its messages in order over a single long-lived stream.
type queueManager struct {
	ctx    context.Context
	host   host.Host
	log    *zap.Logger
	emit   func(Event)
	mu     sync.Mutex
	queues map[string]*messageQueue // key: "peerID:protocol"
}

type messageQueue struct {
	peer         peer.ID
	protocol     libp2pprotocol.ID
	messages     [][]byte
	stream       network.Stream
	lastActivity time.Time
	processing   bool
	mu           sync.Mutex
	manager      *queueManager
}

func newQueueManager(ctx context.Context, h host.Host, log *zap.Logger, emit func(Event)) *queueManager {
	return &queueManager{
		ctx:    ctx,
		host:   h,
		log:    log,
		emit:   emit,
		queues: make(map[string]*messageQueue),
	}
}

// enqueue appends data to the queue for (to, proto) and starts the writer
// if it is idle.
func (qm *queueManager) enqueue(to peer.ID, proto libp2pprotocol.ID, data []byte) {
	key := fmt.Sprintf("%s:%s", to, proto)

	qm.mu.Lock()
	queue, exists := qm.queues[key]
	if !exists {
		queue = &messageQueue{
			peer:         to,
			protocol:     proto,
			lastActivity: time.Now(),
			manager:      qm,
		}
		qm.queues[key] = queue
	}
	qm.mu.Unlock()

	queue.mu.Lock()
	queue.messages = append(queue.messages, data)
	shouldProcess := !queue.processing
	if shouldProcess {
		queue.processing = true
	}
	queue.mu.Unlock()

	if shouldProcess {
		go queue.processQueue()
	}
}

// processQueue drains the queue in order. A message that cannot be written
// is reported once as EventSendFailed and dropped.
func (q *messageQueue) processQueue() {
	for {
		q.mu.Lock()
		if len(q.messages) == 0 || q.manager.ctx.Err() != nil {
			q.processing = false
			q.mu.Unlock()
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		q.mu.Unlock()

		err := q.ensureStream()
		if err == nil {
			err = q.sendMessage(msg)
		}
		if err != nil {
			q.manager.log.Debug("direct send failed",
				zap.Stringer("peerID", q.peer),
				zap.String("protocol", string(q.protocol)),
				zap.Error(err))
			q.manager.emit(Event{Kind: EventSendFailed, Peer: q.peer, Value: msg, Err: err})
		}
	}
}

func (q *messageQueue) ensureStream() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stream != nil {
		return nil
	}
	if q.manager.host.Network().Connectedness(q.peer) != network.Connected {
		return fmt.Errorf("no connection to %s", q.peer)
	}

	ctx, cancel := context.WithTimeout(q.manager.ctx, 10*time.Second)
	defer cancel()
	stream, err := q.manager.host.NewStream(ctx, q.peer, q.protocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	q.stream = stream
	q.lastActivity = time.Now()
	q.manager.log.Debug("opened stream",
		zap.Stringer("peerID", q.peer),
		zap.String("protocol", string(q.protocol)))
	return nil
}

func (q *messageQueue) sendMessage(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stream == nil {
		return fmt.Errorf("no stream available")
	}

	_ = q.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteFrame(q.stream, msg); err != nil {
		q.closeStreamLocked(true)
		return fmt.Errorf("failed to write message: %w", err)
	}
	q.lastActivity = time.Now()
	return nil
}

// closeStreamLocked closes the stream (caller must hold mu)
func (q *messageQueue) closeStreamLocked(reset bool) {
	if q.stream == nil {
		return
	}
	if reset {
		_ = q.stream.Reset()
	} else {
		_ = q.stream.Close()
	}
	q.stream = nil
}

// dropPeer closes every stream to p so a reconnect starts fresh.
func (qm *queueManager) dropPeer(p peer.ID) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	for _, queue := range qm.queues {
		if queue.peer != p {
			continue
		}
		queue.mu.Lock()
		queue.closeStreamLocked(true)
		queue.mu.Unlock()
	}
}

// idleStreamMonitor closes streams that have been idle for longer than
// idleTimeout.
func (qm *queueManager) idleStreamMonitor(idleTimeout time.Duration) {
	interval := idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-qm.ctx.Done():
			return
		case <-ticker.C:
			qm.checkIdleStreams(time.Now(), idleTimeout)
		}
	}
}

func (qm *queueManager) checkIdleStreams(now time.Time, idleTimeout time.Duration) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	for key, queue := range qm.queues {
		queue.mu.Lock()
		if queue.stream != nil && now.Sub(queue.lastActivity) > idleTimeout {
			qm.log.Debug("closing idle stream",
				zap.Stringer("peerID", queue.peer),
				zap.String("protocol", string(queue.protocol)))
			queue.closeStreamLocked(false)
		}
		if queue.stream == nil && !queue.processing && len(queue.messages) == 0 {
			delete(qm.queues, key)
		}
		queue.mu.Unlock()
	}
}

func (qm *queueManager) close() {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	for _, queue := range qm.queues {
		queue.mu.Lock()
		queue.closeStreamLocked(false)
		queue.mu.Unlock()
	}
}
