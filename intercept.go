package caronte

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultTLSServerConfig is the base configuration of the interception
// listener. Only HTTP/1.1 is offered to intercepted clients.
var DefaultTLSServerConfig = &tls.Config{
	MinVersion: tls.VersionTLS12,
	NextProtos: []string{"http/1.1"},
}

type tunnelIDKey struct{}

// interceptor is the TLS Interception Listener. It terminates TLS for every
// tunnel opened by the public listener and serves the decrypted requests.
type interceptor struct {
	proxy            *Proxy
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration

	ln  *pipeListener
	srv *http.Server

	// tracks handshake goroutines
	wg sync.WaitGroup
}

func newInterceptor(p *Proxy, cert tls.Certificate, opts *Options) *interceptor {
	tlsConfig := opts.TLSServerConfig.Clone()
	tlsConfig.Certificates = []tls.Certificate{cert}

	i := &interceptor{
		proxy:            p,
		tlsConfig:        tlsConfig,
		handshakeTimeout: opts.TLSHandshakeTimeout,
		ln:               newPipeListener(),
	}

	i.srv = &http.Server{
		Handler:           i,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          p.serverErrorLog(InterceptionListener),
		// Connections arrive already wrapped in TLS; disable HTTP/2.
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tlsConn, ok := c.(*tls.Conn); ok {
				if tc, ok := tlsConn.NetConn().(*tunnelConn); ok {
					return context.WithValue(ctx, tunnelIDKey{}, tc.id)
				}
			}

			return ctx
		},
	}

	return i
}

func (i *interceptor) serve() error {
	return i.srv.Serve(i.ln)
}

func (i *interceptor) close() error {
	err := i.srv.Close()
	i.ln.Close()

	return err
}

// dial opens an in-process connection to the listener on behalf of tunnel t
// and returns the client end. The TLS handshake runs in the background; once
// it completes the connection is handed to the HTTP server.
func (i *interceptor) dial(t *tunnel, remote net.Addr) net.Conn {
	client, server := net.Pipe()

	i.wg.Add(1)

	go func() {
		defer i.wg.Done()
		i.handshake(&tunnelConn{Conn: server, id: t.id, remote: remote}, t)
	}()

	return client
}

func (i *interceptor) handshake(conn *tunnelConn, t *tunnel) {
	ctx := context.Background()

	if i.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.handshakeTimeout)

		defer cancel()
	}

	tlsConn := tls.Server(conn, i.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()

		if !isClosedConnError(err) {
			i.proxy.emit(&Error{
				Kind: KindTransport,
				Err:  fmt.Errorf("tls handshake with %s for %s: %w", conn.RemoteAddr(), t.target, err),
			})
		}

		return
	}

	i.proxy.logDebugf("Intercepting tunnel %d to %s (%s)", t.id, t.target, tls.VersionName(tlsConn.ConnectionState().Version))

	if !i.ln.deliver(tlsConn) {
		tlsConn.Close()
	}
}

// ServeHTTP handles decrypted requests.
func (i *interceptor) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	p := i.proxy

	id, _ := req.Context().Value(tunnelIDKey{}).(uint64)

	t, ok := p.sessions.acquire(id)
	if !ok {
		p.emit(&Error{Kind: KindCorrelation, Request: req, Err: fmt.Errorf("%w: id %d", ErrNoTunnel, id)})

		rw.Header().Set("Connection", "close")
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)

		return
	}
	defer p.sessions.release(t)

	target := *req.URL
	target.Scheme = t.target.Scheme
	target.Host = t.target.Host

	req = req.WithContext(withTargetURL(req.Context(), &target))
	req.URL = &target

	hc := &HookContext{
		Listener:  InterceptionListener,
		Scheme:    t.target.Scheme,
		TargetURL: &target,
		TunnelID:  t.id,
		Agent:     p.agent,
	}

	if !t.authorized {
		if err := authenticate(p.auth, req.Header); err != nil {
			p.rejectAuth(rw, req, hc, err)
			return
		}
	}

	stripCredentials(req.Header)

	p.serve(rw, req, hc)
}
