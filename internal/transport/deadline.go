package transport

import (
	"context"
	"net"
	"time"
)

// pollInterval bounds how long a blocking socket read waits before
// re-checking ctx.Done(), so Run's loop stays responsive to cancellation
// even on an idle socket.
const pollInterval = 250 * time.Millisecond

func deadlineFromCtx(ctx context.Context) time.Time {
	poll := time.Now().Add(pollInterval)
	if dl, ok := ctx.Deadline(); ok && dl.Before(poll) {
		return dl
	}
	return poll
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
