package agent

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// periodicTask 单个goroutine按固定周期执行，stop 取消并等待退出
type periodicTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startTask 先执行 first，随后按 clock 的周期执行 tick
func startTask(clock clockwork.Clock, interval time.Duration, first, tick func(ctx context.Context)) *periodicTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &periodicTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)

		if first != nil {
			first(ctx)
		}

		ticker := clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				tick(ctx)
			}
		}
	}()

	return t
}

func (t *periodicTask) stop() {
	t.cancel()
	<-t.done
}
