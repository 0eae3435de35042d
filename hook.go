package caronte

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ListenerKind identifies which listener observed a request.
type ListenerKind int

const (
	// PublicListener is the externally reachable plain HTTP listener.
	PublicListener ListenerKind = iota
	// InterceptionListener is the internal TLS terminating listener.
	InterceptionListener
)

func (k ListenerKind) String() string {
	if k == InterceptionListener {
		return "interception"
	}

	return "public"
}

// HookContext describes where and how a request was observed.
type HookContext struct {
	// Listener is the listener that received the request.
	Listener ListenerKind

	// Scheme of the upstream request, "http" or "https".
	Scheme string

	// TargetURL is the absolute URL of the request. For intercepted
	// requests it is rebuilt from the tunnel target and the decrypted path.
	TargetURL *url.URL

	// TunnelID identifies the CONNECT tunnel the request arrived through.
	// Zero for plain HTTP requests.
	TunnelID uint64

	// Agent is the X-Proxy-Agent value of the proxy.
	Agent string
}

// ResponseHead is the client facing response before it is written.
// Hooks may change it.
type ResponseHead struct {
	StatusCode int

	// Status is the reason phrase sent by the origin, e.g. "Found". Hooks
	// may read it, but net/http always writes the standard phrase for
	// StatusCode to the client, so changing it has no effect on the wire.
	Status string

	Header http.Header
}

func newResponseHead(res *http.Response) *ResponseHead {
	return &ResponseHead{
		StatusCode: res.StatusCode,
		Status:     reasonPhrase(res),
		Header:     res.Header.Clone(),
	}
}

// reasonPhrase extracts the reason phrase from res.Status ("302 Found").
func reasonPhrase(res *http.Response) string {
	code := strconv.Itoa(res.StatusCode)
	if s := strings.TrimPrefix(res.Status, code); s != res.Status {
		return strings.TrimSpace(s)
	}

	if res.Status != "" {
		return res.Status
	}

	return http.StatusText(res.StatusCode)
}

// HookFunc observes every completed or auth-rejected request. It runs
// synchronously before the response head is sent, so it may alter res.
// err is non-nil for rejected requests.
type HookFunc func(hc *HookContext, req *http.Request, res *ResponseHead, err error)

func (p *Proxy) callHook(hc *HookContext, req *http.Request, res *ResponseHead, err error) {
	if p.hook == nil {
		return
	}

	p.hook(hc, req, res, err)
}

type targetURLKey struct{}

// TargetURL returns the absolute target URL attached to a request context
// by the proxy, if any.
func TargetURL(ctx context.Context) (*url.URL, bool) {
	u, ok := ctx.Value(targetURLKey{}).(*url.URL)
	return u, ok
}

func withTargetURL(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, targetURLKey{}, u)
}
