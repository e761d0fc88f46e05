package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/3cpo-dev/fleetagent/internal/fleet"
	gssh "github.com/3cpo-dev/fleetagent/internal/ssh"
)

var errClosed = errors.New("use of closed network connection")

type frame struct {
	typ  int
	data []byte
}

// fakeConn replays inbound frames, records outbound ones and either reports
// a peer close or blocks until Close once the inbound frames run out.
type fakeConn struct {
	mu        sync.Mutex
	inbound   []frame
	sent      [][]byte
	failAfter int
	block     chan struct{}
	closeOnce sync.Once
}

func newFakeConn(messages ...string) *fakeConn {
	c := &fakeConn{failAfter: -1}
	for _, m := range messages {
		c.inbound = append(c.inbound, frame{typ: websocket.TextMessage, data: []byte(m)})
	}
	return c
}

func (c *fakeConn) blocking() *fakeConn {
	c.block = make(chan struct{})
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.inbound) > 0 {
		f := c.inbound[0]
		c.inbound = c.inbound[1:]
		c.mu.Unlock()
		return f.typ, f.data, nil
	}
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
		return 0, nil, errClosed
	}
	return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.sent) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		if c.block != nil {
			close(c.block)
		}
	})
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// fakeRunner answers the hosts in online and fails everything else.
type fakeRunner struct {
	mu        sync.Mutex
	online    map[string]bool
	commands  []string
	passwords []string
	hosts     []string
}

func newFakeRunner(online ...string) *fakeRunner {
	r := &fakeRunner{online: map[string]bool{}}
	for _, h := range online {
		r.online[h] = true
	}
	return r
}

func (r *fakeRunner) record(ep gssh.Endpoint, command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	r.passwords = append(r.passwords, ep.Password)
	r.hosts = append(r.hosts, ep.Host)
	return r.online[ep.Host]
}

func (r *fakeRunner) Run(_ context.Context, ep gssh.Endpoint, command string) (string, error) {
	if !r.record(ep, command) {
		return "", errors.New("connection refused")
	}
	return `{"hash":"h-` + ep.Host + `"}`, nil
}

func (r *fakeRunner) Push(_ context.Context, ep gssh.Endpoint, _, remotePath string) error {
	if !r.record(ep, "push "+remotePath) {
		return errors.New("connection refused")
	}
	return nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

func (r *fakeRunner) touched(suffixAbove int, prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hosts {
		if !strings.HasPrefix(h, prefix+".") {
			continue
		}
		var n int
		for _, ch := range h[len(prefix)+1:] {
			n = n*10 + int(ch-'0')
		}
		if n > suffixAbove {
			return true
		}
	}
	return false
}

func testCatalog() fleet.Catalog {
	return fleet.Catalog{
		ProbeCommand:  "/opt/script/omni-collect.sh",
		ConfigCommand: "/opt/script/omni-config.sh",
		RebootCommand: "reboot",
		Service:       "miner",
		Artifact:      "/srv/omni-bundle.tar.gz",
		RemoteDir:     "/opt/omni",
		InstallScript: "install.sh",
	}
}

func newTestDispatcher(r fleet.Runner) *Dispatcher {
	exec := fleet.NewExecutor(r, fleet.NewPool(0), fleet.Auth{User: "root", Password: "default", Port: 22}, time.Second)
	return NewDispatcher(exec, testCatalog(), DefaultWindow)
}
