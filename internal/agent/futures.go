package agent

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
)

// futures tracks sessions with a handler parked in SendAndReceive. A reply
// arriving on such a session is routed to the parked handler instead of the
// dispatch table; late replies after the timeout fall through to normal
// dispatch.
type futures struct {
	mu      sync.Mutex
	pending map[uuid.UUID]chan *envelope.Envelope
}

func newFutures() *futures {
	return &futures{pending: make(map[uuid.UUID]chan *envelope.Envelope)}
}

// register opens a future for a session. The channel holds one envelope so
// fulfilment never blocks the delivering goroutine.
func (f *futures) register(session uuid.UUID) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	f.mu.Lock()
	f.pending[session] = ch
	f.mu.Unlock()
	return ch
}

// cancel removes a future without fulfilling it.
func (f *futures) cancel(session uuid.UUID) {
	f.mu.Lock()
	delete(f.pending, session)
	f.mu.Unlock()
}

// fulfill hands an envelope to the session's parked handler. Reports false
// when no future is waiting.
func (f *futures) fulfill(env *envelope.Envelope) bool {
	f.mu.Lock()
	ch, ok := f.pending[env.Session]
	if ok {
		delete(f.pending, env.Session)
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
