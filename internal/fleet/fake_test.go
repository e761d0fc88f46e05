package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	gssh "github.com/3cpo-dev/fleetagent/internal/ssh"
)

var errUnreachable = errors.New("dial: connection refused")

// fakeRunner answers per host. Hosts without an entry in online fail.
type fakeRunner struct {
	mu       sync.Mutex
	online   map[string]string
	delay    map[string]time.Duration
	pushFail map[string]bool
	runFail  map[string]string // host -> command prefix that fails
	panics   map[string]bool
	calls    []string
	active   int
	peak     int
}

func newFakeRunner(online ...string) *fakeRunner {
	f := &fakeRunner{
		online:   map[string]string{},
		delay:    map[string]time.Duration{},
		pushFail: map[string]bool{},
		runFail:  map[string]string{},
		panics:   map[string]bool{},
	}
	for _, h := range online {
		f.online[h] = `{"hash":"1"}`
	}
	return f
}

func (f *fakeRunner) enter(ep gssh.Endpoint, call string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ep.Host+" "+call)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	_, ok := f.online[ep.Host]
	return f.delay[ep.Host], ok
}

func (f *fakeRunner) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeRunner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (f *fakeRunner) Run(ctx context.Context, ep gssh.Endpoint, command string) (string, error) {
	d, ok := f.enter(ep, "run:"+command)
	defer f.leave()
	if f.isPanic(ep.Host) {
		panic("collector exploded")
	}
	if err := f.wait(ctx, d); err != nil {
		return "", err
	}
	if !ok {
		return "", errUnreachable
	}
	f.mu.Lock()
	prefix, fails := f.runFail[ep.Host]
	out := f.online[ep.Host]
	f.mu.Unlock()
	if fails && len(command) >= len(prefix) && command[:len(prefix)] == prefix {
		return "", &gssh.RemoteError{Status: 1, Stderr: "failed"}
	}
	return out, nil
}

func (f *fakeRunner) Push(ctx context.Context, ep gssh.Endpoint, localPath, remotePath string) error {
	d, ok := f.enter(ep, "push:"+remotePath)
	defer f.leave()
	if err := f.wait(ctx, d); err != nil {
		return err
	}
	if !ok {
		return errUnreachable
	}
	f.mu.Lock()
	fail := f.pushFail[ep.Host]
	f.mu.Unlock()
	if fail {
		return errors.New("sftp: permission denied")
	}
	return nil
}

func (f *fakeRunner) isPanic(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panics[host]
}

func (f *fakeRunner) callsFor(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(host) && c[:len(host)+1] == host+" " {
			out = append(out, c[len(host)+1:])
		}
	}
	return out
}
