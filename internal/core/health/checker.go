package health

import (
	"context"
	"sync"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// ProbeRunner runs a single probe and always returns a terminal result.
type ProbeRunner interface {
	RunProbe(ctx context.Context, desc *types.ProtocolDescriptor) types.ProbeResult
}

// Checker 负责对一组协议执行一次完整的检测周期。
type Checker struct {
	runner         ProbeRunner
	maxConcurrency int
}

// New 创建一个新的 Checker 实例。maxConcurrency <= 0 表示不限制并发。
func New(runner ProbeRunner, maxConcurrency int) *Checker {
	return &Checker{runner: runner, maxConcurrency: maxConcurrency}
}

// Check 对传入的协议并发执行探测，最多同时运行 maxConcurrency 个。
// 返回结果的顺序与输入一致。
func (c *Checker) Check(ctx context.Context, descs []*types.ProtocolDescriptor) []types.ProbeResult {
	results := make([]types.ProbeResult, len(descs))
	var wg sync.WaitGroup

	limit := c.maxConcurrency
	if limit <= 0 || limit > len(descs) {
		limit = len(descs)
	}
	semaphore := make(chan struct{}, max(limit, 1))

	for i, desc := range descs {
		wg.Add(1)
		go func(i int, d *types.ProtocolDescriptor) {
			defer wg.Done()

			// On cancellation the probe still runs, to produce a terminal cancelled result.
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
			}

			res := c.runner.RunProbe(ctx, d)
			logger.Debug().
				Str("protocol_id", d.ID).
				Str("state", res.State().String()).
				Int64("latency_ms", res.LatencyMs).
				Msg("HealthCheck: probe completed.")
			results[i] = res
		}(i, desc)
	}

	wg.Wait()
	return results
}
