package feedsim

import (
	"sync"
)

// peer is one accepted websocket session. Routers enqueue encoded frames and the
// gateway writer drains them.
type peer struct {
	id   string
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, queueSize int) *peer {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &peer{
		id:   id,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks; a full queue drops the frame.
func (p *peer) enqueue(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		return false
	}
}

// close is idempotent. It does not close send: concurrent broadcasts stay safe.
func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *peer) closed() <-chan struct{} { return p.done }
