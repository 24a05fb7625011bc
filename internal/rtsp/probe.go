// Package rtsp checks camera stream credentials with a single RTSP
// DESCRIBE exchange. It does not set up sessions or read media.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/liberrors"
)

// ErrUnauthorized is returned when the camera refuses the credentials.
var ErrUnauthorized = errors.New("rtsp: credentials rejected")

// Prober checks that an rtsp:// URL with embedded credentials is accepted.
type Prober interface {
	Probe(ctx context.Context, rawURL string) error
}

// ConnectError reports that the camera could not be reached or did not
// speak RTSP.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rtsp: cannot reach %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected RTSP status.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rtsp: unexpected status %d %s", e.Code, e.Reason)
}

// Client is the default Prober.
type Client struct {
	// Timeout bounds each read and write when the context has no earlier
	// deadline.
	Timeout   time.Duration
	UserAgent string
}

// NewClient returns a client with a 5 second timeout.
func NewClient() *Client {
	return &Client{Timeout: 5 * time.Second, UserAgent: "camcreds"}
}

// Probe sends DESCRIBE, answers an authentication challenge with the URL
// credentials and reports the verdict.
func (c *Client) Probe(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("rtsp: invalid url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return fmt.Errorf("rtsp: unsupported scheme %q", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "554")
	}

	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 || ctx.Err() != nil {
		return &ConnectError{Addr: addr, Err: context.DeadlineExceeded}
	}

	client := gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		UserAgent:    c.UserAgent,
	}
	if err := client.Start(u.Scheme, addr); err != nil {
		return &ConnectError{Addr: addr, Err: err}
	}
	stop := context.AfterFunc(ctx, client.Close)
	defer func() {
		stop()
		client.Close()
	}()

	_, _, err = client.Describe((*base.URL)(u))
	return classify(ctx, addr, err)
}

func classify(ctx context.Context, addr string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ConnectError{Addr: addr, Err: ctxErr}
	}
	var bad liberrors.ErrClientBadStatusCode
	if errors.As(err, &bad) {
		switch bad.Code {
		case base.StatusUnauthorized, base.StatusForbidden:
			return ErrUnauthorized
		}
		return &StatusError{Code: int(bad.Code), Reason: bad.Message}
	}
	return &ConnectError{Addr: addr, Err: err}
}
