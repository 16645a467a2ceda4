// Package cleanup registers long-running goroutines which need to be
// cancelled and waited for when the process shuts down.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.copilot.dev/infra/go/sklog"
)

var (
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onceSigs sync.Once
)

func init() {
	resetContext()
}

// resetContext is in a non-init function for testing purposes.
func resetContext() {
	newCtx, newCancel := context.WithCancel(context.Background())
	ctx = newCtx
	cancel = newCancel
}

// Enable installs a signal handler which runs Cleanup() and exits on SIGINT or
// SIGTERM. Should be called once at startup.
func Enable() {
	onceSigs.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			sklog.Warningf("Caught %s", sig)
			Cleanup()
			sklog.Flush()
			os.Exit(0)
		}()
	})
}

// Go runs the given function on a goroutine with a context which is cancelled
// at shutdown, and waits for it during Cleanup().
func Go(fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

// Cleanup cancels all functions registered via Go(), then waits for them to
// fully stop running.
func Cleanup() {
	sklog.Warningf("Shutdown request received.")
	cancel()
	wg.Wait()
	sklog.Warningf("Finished clean shutdown procedure.")
	resetContext()
}
