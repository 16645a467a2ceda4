// Package poller drives the service without webhooks: the MR poller lists
// recently-updated merge requests per project, the issue poller queries the
// issue tracker for issues in the trigger status. Both share a control loop
// with exponential backoff on failures.
package poller

import (
	"context"
	"time"

	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/util"
)

// maxBackoff caps the delay between poll cycles after repeated failures.
const maxBackoff = 5 * time.Minute

// backoffDelay returns base * 2^failures, capped at maxBackoff.
func backoffDelay(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// runLoop runs pollOnce until the context is cancelled, backing off
// exponentially while it keeps failing.
func runLoop(ctx context.Context, name string, base time.Duration, pollOnce func(ctx context.Context) error) {
	liveness := metrics2.NewLiveness("copilot_poller", map[string]string{"poller": name})
	failures := 0
	for {
		if err := pollOnce(ctx); err != nil {
			failures++
			sklog.Errorf("%s poll cycle failed (%d in a row): %s", name, failures, err)
		} else {
			failures = 0
			liveness.Reset()
		}
		util.SleepCtx(ctx, backoffDelay(base, failures))
		if ctx.Err() != nil {
			sklog.Infof("%s poller shutting down.", name)
			return
		}
	}
}
