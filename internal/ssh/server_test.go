package ssh

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

func serverConfig(t *testing.T, password string) *xssh.ServerConfig {
	t.Helper()
	cfg := &xssh.ServerConfig{
		PasswordCallback: func(c xssh.ConnMetadata, pass []byte) (*xssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(testSigner(t))
	return cfg
}

type execHandler func(command string) (stdout, stderr string, status uint32)

// startTestServer runs an in-process SSH server that accepts password auth,
// answers exec requests with handle and serves the sftp subsystem on the
// local filesystem.
func startTestServer(t *testing.T, password string, handle execHandler) Endpoint {
	t.Helper()
	cfg := serverConfig(t, password)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handle)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port, User: "root", Password: password}
}

// startStalledServer completes the SSH handshake and then never answers a
// channel open, like a host whose sshd is wedged.
func startStalledServer(t *testing.T, password string) Endpoint {
	t.Helper()
	stalled := make(chan struct{})
	t.Cleanup(func() { close(stalled) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	cfg := serverConfig(t, password)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _, reqs, err := xssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				go xssh.DiscardRequests(reqs)
				<-stalled
			}()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port, User: "root", Password: password}
}

func serveConn(conn net.Conn, cfg *xssh.ServerConfig, handle execHandler) {
	defer conn.Close()
	_, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs, handle)
	}
}

func serveSession(ch xssh.Channel, reqs <-chan *xssh.Request, handle execHandler) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			stdout, stderr, status := handle(payload.Command)
			_, _ = io.WriteString(ch, stdout)
			_, _ = io.WriteString(ch.Stderr(), stderr)
			_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go xssh.DiscardRequests(reqs)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = srv.Serve()
			_ = srv.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
