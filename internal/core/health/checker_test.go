package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

type countingRunner struct {
	running int32
	peak    int32
}

func (r *countingRunner) RunProbe(ctx context.Context, desc *types.ProtocolDescriptor) types.ProbeResult {
	n := atomic.AddInt32(&r.running, 1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&r.running, -1)
	return types.ProbeResult{ProtocolID: desc.ID, Reachable: true}
}

func TestCheck_BoundedConcurrencyAndOrder(t *testing.T) {
	runner := &countingRunner{}
	c := New(runner, 3)

	descs := make([]*types.ProtocolDescriptor, 10)
	for i := range descs {
		descs[i] = &types.ProtocolDescriptor{ID: fmt.Sprintf("p%d", i)}
	}
	results := c.Check(context.Background(), descs)

	if len(results) != len(descs) {
		t.Fatalf("expected %d results, got %d", len(descs), len(results))
	}
	for i, r := range results {
		if r.ProtocolID != descs[i].ID {
			t.Errorf("result %d belongs to %s", i, r.ProtocolID)
		}
	}
	if runner.peak > 3 {
		t.Errorf("concurrency exceeded: peak %d", runner.peak)
	}
}

func TestCheck_Empty(t *testing.T) {
	c := New(&countingRunner{}, 4)
	if got := c.Check(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected no results, got %d", len(got))
	}
}
