package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// result is the terminal state of one pending call. Exactly one of reply or
// err is set.
type result struct {
	reply json.RawMessage
	err   error
}

// pendingCall tracks one in-flight request/reply exchange. The completion
// channel has capacity one so resolution never blocks the reply consumer.
type pendingCall struct {
	id      string
	service string
	cmd     string
	created time.Time
	done    chan result
}

// pendingTable is the arena of in-flight calls indexed by correlation id.
// It is owned exclusively by the Gateway and mutated only through the
// insert-on-send / remove-on-resolve protocol below.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) insert(call *pendingCall) {
	t.mu.Lock()
	t.calls[call.id] = call
	t.mu.Unlock()
}

// take removes and returns the call for the given correlation id. Removal
// before resolution is what guarantees a call is resolved at most once:
// whichever of the reply path and the timeout path takes the entry first
// owns it, and the loser sees nothing.
func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	return call, ok
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
