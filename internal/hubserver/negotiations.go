package hubserver

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// pendingNegotiation is a negotiated connection waiting for its websocket
type pendingNegotiation struct {
	connectionID string
	hub          string
	expiration   time.Time
}

// negotiations holds connection tokens handed out by negotiate until the
// websocket that redeems them arrives. The table is bounded; the least
// useful entries are evicted first.
type negotiations struct {
	tokens     *lru.TwoQueueCache
	mutex      sync.Mutex
	expiration time.Duration
}

func newNegotiations(capacity int, expiration time.Duration) (*negotiations, error) {
	tokens, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &negotiations{tokens: tokens, expiration: expiration}, nil
}

// add records a token for connectionID on hub
func (n *negotiations) add(token, connectionID, hub string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.tokens.Add(token, pendingNegotiation{
		connectionID: connectionID,
		hub:          hub,
		expiration:   time.Now().Add(n.expiration),
	})
}

// redeem consumes a token issued for hub. Expired tokens are consumed
// without succeeding.
func (n *negotiations) redeem(token, hub string) (string, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	value, found := n.tokens.Peek(token)
	if !found {
		return "", false
	}
	item := value.(pendingNegotiation)
	if item.hub != hub {
		return "", false
	}

	n.tokens.Remove(token)
	if time.Now().After(item.expiration) {
		return "", false
	}
	return item.connectionID, true
}

// len returns the number of outstanding tokens
func (n *negotiations) len() int {
	return n.tokens.Len()
}
