package caronte

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// errorStream is the merged error stream of both listeners. Sends never
// block; errors that do not fit are dropped.
type errorStream struct {
	mu     sync.RWMutex
	ch     chan error
	closed bool
}

func newErrorStream(size int) *errorStream {
	if size < 0 {
		size = 0
	}

	return &errorStream{ch: make(chan error, size)}
}

func (s *errorStream) send(err error) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- err:
		return true
	default:
		return false
	}
}

func (s *errorStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Errors returns the stream of errors raised by either listener. It is
// closed by Stop.
func (p *Proxy) Errors() <-chan error {
	return p.errs.ch
}

// emit logs err and publishes it on the error stream.
func (p *Proxy) emit(err error) {
	kind, reason := "unknown", errorReason(err)

	var perr *Error
	if errors.As(err, &perr) {
		kind = perr.Kind.String()
		reason = errorReason(perr.Err)
	}

	p.metrics.error(kind, reason)
	p.logErrorf("proxy error: %v", err)

	if !p.errs.send(err) {
		p.metrics.errorDropped()
		p.logDebugf("Error stream full or closed, dropped: %v", err)
	}
}

// Start binds the public listener to addr and starts serving. The
// interception listener is started first, so it is ready before the first
// CONNECT can arrive.
func (p *Proxy) Start(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	p.group = new(errgroup.Group)
	p.group.Go(p.runServer(InterceptionListener, p.interceptor.serve))
	p.group.Go(p.runServer(PublicListener, func() error {
		return p.public.Serve(ln)
	}))

	p.state = stateRunning
	p.addr = ln.Addr()

	p.logInfof("Proxy listening on %s", ln.Addr())

	return nil
}

func (p *Proxy) runServer(kind ListenerKind, serve func() error) func() error {
	return func() error {
		err := serve()
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}

		err = fmt.Errorf("%s listener: %w", kind, err)
		p.emit(&Error{Kind: KindTransport, Err: err})

		return err
	}
}

// Stop closes the public listener, then the interception listener and all
// live tunnels. The interception listener is closed even when closing the
// public one fails. The error stream is closed once everything stopped.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.state = stateStopped
	p.mu.Unlock()

	var errs []error

	if err := p.public.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close public listener: %w", err))
	}

	if err := p.interceptor.close(); err != nil {
		errs = append(errs, fmt.Errorf("close interception listener: %w", err))
	}

	p.sessions.close()
	p.tunnels.Wait()
	p.interceptor.wg.Wait()

	if err := p.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	for _, t := range []http.RoundTripper{p.httpTransport, p.httpsTransport} {
		if ci, ok := t.(interface{ CloseIdleConnections() }); ok {
			ci.CloseIdleConnections()
		}
	}

	p.errs.close()
	p.logInfof("Proxy stopped")

	return errors.Join(errs...)
}

// ListenAndServe starts the proxy on addr and stops it when ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	if err := p.Start(addr); err != nil {
		return err
	}

	<-ctx.Done()

	return p.Stop()
}

// Addr returns the address of the public listener, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateRunning {
		return nil
	}

	return p.addr
}

// trackTunnel registers a hijacked connection so Stop waits for it.
func (p *Proxy) trackTunnel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateRunning {
		return false
	}

	p.tunnels.Add(1)

	return true
}
