package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/systmms/camcreds/internal/rtsp"
	"github.com/systmms/camcreds/pkg/flow"
)

// withValidateTimeout bounds an RTSP check. The caller's deadline wins
// when it is earlier.
func withValidateTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// validationCause separates refused credentials from everything else.
func validationCause(err error) flow.Cause {
	if errors.Is(err, rtsp.ErrUnauthorized) {
		return flow.CauseAuth
	}
	return flow.CauseConnectivity
}
