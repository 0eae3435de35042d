package caronte

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const defaultConnectPort = "443"

// connectTarget parses the CONNECT request target host[:port] and returns
// the canonical https URL of the tunnel.
func connectTarget(hostport string) (*url.URL, error) {
	if hostport == "" {
		return nil, fmt.Errorf("empty CONNECT target")
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port: the whole target is the host.
		host, port = strings.Trim(hostport, "[]"), defaultConnectPort
	}

	if host == "" {
		return nil, fmt.Errorf("invalid CONNECT target %q", hostport)
	}

	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("invalid CONNECT port in %q", hostport)
	}

	u := &url.URL{Scheme: "https", Host: net.JoinHostPort(host, port)}
	if port == defaultConnectPort {
		u.Host = host
		if strings.Contains(host, ":") {
			u.Host = "[" + host + "]"
		}
	}

	return u, nil
}

// connectEstablished returns the exact tunnel established response.
func connectEstablished(agent string) string {
	return "HTTP/1.1 200 Connection Established\r\n" +
		"X-Proxy-Agent: " + agent + "\r\n" +
		"\r\n"
}

// writeRawResponse writes a complete response with a text body on a hijacked
// connection.
func writeRawResponse(w io.Writer, head *ResponseHead, body string) error {
	res := &http.Response{
		StatusCode:    head.StatusCode,
		Status:        fmt.Sprintf("%d %s", head.StatusCode, head.Status),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        head.Header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}

	return res.Write(w)
}

func (p *Proxy) handleConnect(rw http.ResponseWriter, req *http.Request) {
	hijacker, ok := rw.(http.Hijacker)
	if !ok {
		p.logErrorf("ResponseWriter is not a http.Hijacker (type: %T)", rw)
		http.Error(rw, "Hijacking not supported", http.StatusInternalServerError)

		return
	}

	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		p.logErrorf("Hijacking client connection failed: %v", err)
		return
	}

	// The server no longer tracks the connection; Stop must wait for us.
	if !p.trackTunnel() {
		_ = writeRawResponse(clientConn, &ResponseHead{
			StatusCode: http.StatusServiceUnavailable,
			Status:     http.StatusText(http.StatusServiceUnavailable),
			Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		}, ErrNotStarted.Error())
		clientConn.Close()

		return
	}
	defer p.tunnels.Done()

	target, err := connectTarget(req.Host)
	if err != nil {
		p.logDebugf("Bad CONNECT request from %s: %v", req.RemoteAddr, err)
		_ = writeRawResponse(clientConn, &ResponseHead{
			StatusCode: http.StatusBadRequest,
			Status:     http.StatusText(http.StatusBadRequest),
			Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		}, err.Error())
		clientConn.Close()

		return
	}

	hc := &HookContext{
		Listener:  PublicListener,
		Scheme:    target.Scheme,
		TargetURL: target,
		Agent:     p.agent,
	}

	authErr := authenticate(p.auth, req.Header)
	if authErr != nil && !p.auth.SkipConnect {
		p.rejectConnect(clientConn, req, hc, authErr)
		return
	}

	p.tunnel(clientConn, brw.Reader, req, target, authErr == nil)
}

// rejectConnect writes the 407 response directly on the hijacked socket. No
// tunnel exists yet, so the normal response path is not available.
func (p *Proxy) rejectConnect(conn net.Conn, req *http.Request, hc *HookContext, err error) {
	defer conn.Close()

	head := authRequiredHead(p.auth)
	perr := &Error{Kind: KindAuth, Request: req, Response: head, Err: unwrapAuth(err)}

	p.metrics.authFailure("connect")
	p.logDebugf("Rejecting CONNECT %s from %s: %v", req.Host, req.RemoteAddr, perr.Err)

	p.callHook(hc, req, head, perr)

	if werr := writeRawResponse(conn, head, proxyAuthRequiredBody); werr != nil {
		p.logDebugf("Writing 407 to %s failed: %v", req.RemoteAddr, werr)
	}
}

// tunnel establishes the CONNECT tunnel and relays it to the interception
// listener until either side goes away.
func (p *Proxy) tunnel(clientConn net.Conn, br *bufio.Reader, req *http.Request, target *url.URL, authorized bool) {
	defer clientConn.Close()

	if _, err := io.WriteString(clientConn, connectEstablished(p.agent)); err != nil {
		p.logDebugf("Writing CONNECT response to %s failed: %v", req.RemoteAddr, err)
		return
	}

	t, err := p.sessions.register(target, authorized, clientConn)
	if err != nil {
		p.logDebugf("Dropping tunnel to %s: %v", target, err)
		return
	}
	defer p.sessions.end(t)

	p.logDebugf("Tunnel %d established from %s to %s", t.id, req.RemoteAddr, target)

	// Bytes the client sent right after the CONNECT head are already
	// buffered and must reach the listener first.
	var prefetched []byte
	if n := br.Buffered(); n > 0 {
		prefetched, _ = br.Peek(n)
		prefetched = bytes.Clone(prefetched)
	}

	interceptConn := p.interceptor.dial(t, clientConn.RemoteAddr())
	defer interceptConn.Close()

	var (
		client net.Conn = clientConn
		conn   net.Conn = interceptConn
	)

	if p.tunnelIdleTimeout > 0 {
		act := newActivity()
		client = &idleTimeoutConn{Conn: clientConn, timeout: p.tunnelIdleTimeout, activity: act}
		conn = &idleTimeoutConn{Conn: interceptConn, timeout: p.tunnelIdleTimeout, activity: act}
	}

	src := io.MultiReader(bytes.NewReader(prefetched), client)

	err = p.splice(client, src, conn)

	switch {
	case err == nil:
	case errors.Is(err, errTunnelIdle):
		p.logDebugf("Closing tunnel %d to %s: idle for %s", t.id, target, p.tunnelIdleTimeout)
	default:
		p.emit(&Error{Kind: KindTransport, Request: req, Err: fmt.Errorf("tunnel %d to %s: %w", t.id, target, err)})
	}
}

// splice copies bytes in both directions between client and conn. It
// returns once both directions are done; the first failure closes both ends.
func (p *Proxy) splice(client net.Conn, clientSrc io.Reader, conn net.Conn) error {
	errc := make(chan error, 2)

	cp := func(dst net.Conn, src io.Reader) {
		buf := p.getBuffer()
		defer p.putBuffer(buf)

		_, err := p.copyBuffer(dst, src, buf)
		errc <- err
	}

	go cp(conn, clientSrc)
	go cp(client, conn)

	err := <-errc

	// Either side finishing tears the whole tunnel down.
	client.Close()
	conn.Close()

	err2 := <-errc

	for _, e := range []error{err, err2} {
		if !isClosedConnError(e) {
			return e
		}
	}

	return nil
}

// errTunnelIdle ends a tunnel that saw no traffic in either direction for
// the configured idle timeout.
var errTunnelIdle = errors.New("tunnel idle timeout")

// activity is the time of the last read on either side of a tunnel.
type activity struct {
	last atomic.Int64
}

func newActivity() *activity {
	a := &activity{}
	a.touch()

	return a
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) lastSeen() time.Time {
	return time.Unix(0, a.last.Load())
}

// idleTimeoutConn fails reads with errTunnelIdle once the shared activity
// has been quiet for timeout. Both ends of a tunnel share one activity, so
// a long download keeps the upload side alive and vice versa.
type idleTimeoutConn struct {
	net.Conn
	timeout  time.Duration
	activity *activity
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	for {
		deadline := c.activity.lastSeen().Add(c.timeout)
		if !time.Now().Before(deadline) {
			return 0, errTunnelIdle
		}

		if err := c.Conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}

		n, err := c.Conn.Read(b)
		if n > 0 {
			c.activity.touch()
		}

		// The other direction may have moved meanwhile; recheck.
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}

		return n, err
	}
}
