package task

import (
	"fmt"
	"time"

	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// armWatchdog starts the escalation loop once per task. The loop ends as
// soon as the task goroutine exits.
func (t *Task) armWatchdog() {
	t.mu.Lock()
	if t.watchdogArmed {
		t.mu.Unlock()
		return
	}
	t.watchdogArmed = true
	t.mu.Unlock()

	go t.watch(t.cfg.CancellationInterval, t.cfg.CancellationTimeout)
}

// watch interrupts the task every interval until it terminates. If timeout
// is reached first the task is reported unresponsive and left alone: there
// is no way to reclaim a goroutine that ignores every signal. A timeout
// shorter than the interval still interrupts once and allows one more
// interval before the report.
func (t *Task) watch(interval, timeout time.Duration) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.interruptExecution()
			interrupted = true
		case <-deadline:
			if !interrupted {
				t.interruptExecution()
				grace := time.NewTimer(interval)
				select {
				case <-t.done:
					grace.Stop()
					return
				case <-grace.C:
				}
			}
			select {
			case <-t.done:
			default:
				t.reportUnresponsive(timeout)
			}
			return
		}
	}
}

// interruptExecution is the forced half of cancellation. Goroutines cannot
// be preempted, so interruption closes the environment's Interrupted
// channel, makes further partition writes fail and calls the invokable's
// Interrupt hook.
func (t *Task) interruptExecution() {
	t.interruptOnce.Do(func() { close(t.interrupt) })
	t.metrics.observeInterrupt()

	t.mu.Lock()
	invokable := t.invokable
	state := t.state
	t.mu.Unlock()

	t.logger.Warn("Task did not react to cancellation, interrupting", "state", state.String())
	if interrupter, ok := invokable.(pkgcore.Interrupter); ok {
		t.callHook("interrupt", interrupter.Interrupt)
	}
}

func (t *Task) reportUnresponsive(timeout time.Duration) {
	t.mu.Lock()
	t.unresponsive = true
	state := t.state
	t.mu.Unlock()

	t.metrics.observeUnresponsive()
	t.logger.Error("Task did not terminate within cancellation timeout, external intervention required",
		"state", state.String(),
		"timeout", timeout.String(),
	)
	t.actions.NotifyFatalError(t.desc.ID, t.desc.Attempt,
		fmt.Errorf("%w within %s", core.ErrTaskUnresponsive, timeout))
}
