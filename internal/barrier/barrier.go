// Package barrier implements the network bootstrap barrier: it blocks a
// node until every listed peer has been heard from at least once on the
// reserved setup topic, regardless of start order.
package barrier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"distcore/internal/netx"
	"distcore/internal/protocol"
	"distcore/pkg/types"
)

// Wait greets every id in otherIds on protocol.SetupTopic, replies to any
// still-missing peer that greets first, and returns once every id has been
// heard from at least once. Each pair exchanges at least one message
// before this returns, so peer start order never matters. Pass a
// ctx with a deadline to bound the wait; the core itself specifies none.
func Wait(ctx context.Context, n netx.Network, otherIds []types.NodeID) error {
	var mu sync.Mutex
	missing := make(map[types.NodeID]struct{}, len(otherIds))
	for _, id := range otherIds {
		missing[id] = struct{}{}
	}

	done := make(chan struct{})
	closeOnce := sync.Once{}
	checkDone := func() {
		mu.Lock()
		empty := len(missing) == 0
		mu.Unlock()
		if empty {
			closeOnce.Do(func() { close(done) })
		}
	}
	checkDone() // otherIds may already be empty

	n.RegisterReceiver(protocol.SetupTopic, func(from types.NodeID, _ json.RawMessage) {
		mu.Lock()
		_, stillMissing := missing[from]
		if stillMissing {
			delete(missing, from)
		}
		mu.Unlock()

		if stillMissing {
			if err := n.SendMessage(from, protocol.SetupTopic, nil); err != nil {
				// best-effort: the barrier just waits longer if this is lost
				_ = err
			}
		}
		checkDone()
	})

	for _, id := range otherIds {
		if err := n.SendMessage(id, protocol.SetupTopic, nil); err != nil {
			_ = err
		}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		mu.Lock()
		remaining := make([]types.NodeID, 0, len(missing))
		for id := range missing {
			remaining = append(remaining, id)
		}
		mu.Unlock()
		return fmt.Errorf("barrier: timed out waiting for %v: %w", remaining, ctx.Err())
	}
}
