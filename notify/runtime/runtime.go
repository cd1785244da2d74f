// Package runtime provides panic-safe goroutine helpers for the background
// loops in the dispatch core.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/andrechristikan/ack-notify/notify/log"
)

// RecoverAndLog recovers a panic in the calling goroutine and logs it with
// the component/operation pair and a stack trace. Use in a deferred call.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo runs fn on a new goroutine with panic recovery. A panicking fn is
// logged and the goroutine exits; it is never restarted.
func SafeGo(ctx context.Context, logger log.Logger, operation string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, "runtime", operation)

		fn()
	}()
}
