package boserver

import (
	"net"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ListenBacklog documents the accept backlog bo aims for, above the floor
// of 10 that spec 4.6 sets. net.Listen doesn't take a backlog argument -- every supported OS's
// default (Linux: net.core.somaxconn, commonly >=128) already clears
// this, so there is nothing to configure; this constant exists so the
// requirement is visible in code rather than only in SPEC_FULL.md.
const ListenBacklog = 16

// Acceptor listens on one TCP address and runs one Session per accepted
// connection, each inside its own errgroup goroutine -- mirroring the
// teacher's use of errgroup to fan out concurrent subprocesses
// (cmd/git-sync/sync.go's getChangesViaStatus), here fanned out over
// connections instead.
type Acceptor struct {
	ln net.Listener

	mu       sync.Mutex
	sessions map[string]net.Conn

	eg *errgroup.Group
}

// Listen binds addr using the platform's default accept backlog.
func Listen(addr string) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	return &Acceptor{
		ln:       ln,
		sessions: make(map[string]net.Conn),
		eg:       &errgroup.Group{},
	}, nil
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve accepts connections until the listener is closed (via Shutdown),
// running each session concurrently and tracking it in the live-session
// set for Shutdown to close out from under a blocked read.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that's the expected exit path.
			return nil
		}
		sess := NewSession(conn)
		a.track(sess.id, conn)
		a.eg.Go(func() error {
			defer a.untrack(sess.id)
			sess.Serve()
			return nil
		})
	}
}

func (a *Acceptor) track(id string, conn net.Conn) {
	a.mu.Lock()
	a.sessions[id] = conn
	a.mu.Unlock()
}

func (a *Acceptor) untrack(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Shutdown closes the listener (unblocking Serve) and closes every live
// session's connection (unblocking any pending read), then waits for all
// session goroutines to finish.
func (a *Acceptor) Shutdown() error {
	log.Info("bo server shutting down")
	if err := a.ln.Close(); err != nil {
		log.WithError(err).Warn("error closing listener")
	}

	a.mu.Lock()
	conns := make([]net.Conn, 0, len(a.sessions))
	for _, c := range a.sessions {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return a.eg.Wait()
}
