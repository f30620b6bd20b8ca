package resilience

import (
	"sync"
)

// ReplyChain rotates through a fixed set of canned replies. The policy engine
// uses one as the spoken fallback when the LLM peer is unhealthy, so repeated
// outages do not produce the exact same sentence every time.
//
// ReplyChain is safe for concurrent use.
type ReplyChain struct {
	mu      sync.Mutex
	replies []string
	next    int
}

// NewReplyChain creates a [ReplyChain] over the given replies. Blank entries
// are dropped; order is preserved.
func NewReplyChain(replies ...string) *ReplyChain {
	kept := make([]string, 0, len(replies))
	for _, r := range replies {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return &ReplyChain{replies: kept}
}

// Empty reports whether the chain has no replies.
func (c *ReplyChain) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies) == 0
}

// Next returns the next reply in rotation, or "" when the chain is empty.
func (c *ReplyChain) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return ""
	}
	r := c.replies[c.next]
	c.next = (c.next + 1) % len(c.replies)
	return r
}
