package fakes

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/systmms/camcreds/internal/rtsp"
)

// FakeProber is a manual fake of rtsp.Prober keyed by camera host.
//
// Hosts registered with WithCamera accept exactly the given password;
// any other host is unreachable.
type FakeProber struct {
	mu        sync.Mutex
	passwords map[string]string // host -> accepted password
	delay     time.Duration
	probed    []string
}

// NewFakeProber creates a prober that reaches no camera.
func NewFakeProber() *FakeProber {
	return &FakeProber{passwords: make(map[string]string)}
}

// WithCamera makes host reachable with password.
func (f *FakeProber) WithCamera(host, password string) *FakeProber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[host] = password
	return f
}

// WithDelay delays every probe.
func (f *FakeProber) WithDelay(d time.Duration) *FakeProber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Probed returns the URLs probed so far.
func (f *FakeProber) Probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.probed...)
}

func (f *FakeProber) Probe(ctx context.Context, rawURL string) error {
	f.mu.Lock()
	f.probed = append(f.probed, rawURL)
	delay := f.delay
	f.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &rtsp.ConnectError{Addr: u.Host, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	want, ok := f.passwords[u.Hostname()]
	if !ok {
		return &rtsp.ConnectError{Addr: u.Host, Err: context.DeadlineExceeded}
	}
	if pass, _ := u.User.Password(); pass != want {
		return rtsp.ErrUnauthorized
	}
	return nil
}
