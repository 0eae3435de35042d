package caronte

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	ProxyAuthorizationHeader = "Proxy-Authorization"
	ProxyAuthenticateHeader  = "Proxy-Authenticate"
)

// proxyAuthRequiredBody is the body of every 407 response written by the proxy.
const proxyAuthRequiredBody = "407: Proxy Authentication Required"

// AuthConfig enables HTTP Basic proxy authentication.
type AuthConfig struct {
	Username string
	Password string

	// Realm is added to the Proxy-Authenticate challenge when set.
	Realm string

	// SkipConnect lets CONNECT requests through unauthenticated and
	// authenticates only the decrypted requests flowing through the tunnel.
	SkipConnect bool
}

// Validate checks that both username and password are set.
func (c *AuthConfig) Validate() error {
	if c == nil {
		return nil
	}

	if c.Username == "" {
		return configError("auth: username must be a non-empty string")
	}

	if c.Password == "" {
		return configError("auth: password must be a non-empty string")
	}

	return nil
}

// Challenge returns the Proxy-Authenticate header value.
func (c *AuthConfig) Challenge() string {
	if c.Realm == "" {
		return "Basic"
	}

	return fmt.Sprintf("Basic realm=%q", c.Realm)
}

// authenticate checks the Basic credentials in h against cfg.
// A nil cfg authorizes everything.
func authenticate(cfg *AuthConfig, h http.Header) error {
	if cfg == nil {
		return nil
	}

	auth := h.Get(ProxyAuthorizationHeader)
	if auth == "" {
		return &Error{Kind: KindAuth, Err: ErrAuthMissing}
	}

	user, pass, err := parseBasicAuth(auth)
	if err != nil {
		return &Error{Kind: KindAuth, Err: err}
	}

	// Evaluate both comparisons so the timing does not reveal which one failed.
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password))

	if userOK&passOK != 1 {
		return &Error{Kind: KindAuth, Err: ErrAuthInvalid}
	}

	return nil
}

// parseBasicAuth parses an HTTP Basic Authentication string.
// "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==" returns ("Aladdin", "open sesame", nil).
func parseBasicAuth(auth string) (username, password string, err error) {
	const prefix = "Basic "

	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", ErrAuthScheme
	}

	c, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return "", "", ErrAuthMalformed
	}

	username, password, ok := strings.Cut(string(c), ":")
	if !ok {
		return "", "", ErrAuthMalformed
	}

	return username, password, nil
}

// BasicAuth returns the Proxy-Authorization value for username and password.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// stripCredentials removes the proxy credentials so they never reach the origin.
func stripCredentials(h http.Header) {
	h.Del(ProxyAuthorizationHeader)
}

// authRequiredHead builds the 407 response head for cfg.
func authRequiredHead(cfg *AuthConfig) *ResponseHead {
	head := &ResponseHead{
		StatusCode: http.StatusProxyAuthRequired,
		Status:     http.StatusText(http.StatusProxyAuthRequired),
		Header:     make(http.Header),
	}

	head.Header.Set(ProxyAuthenticateHeader, cfg.Challenge())
	head.Header.Set("Content-Type", "text/plain; charset=utf-8")

	return head
}

// rejectAuth answers an unauthenticated request on the normal response path.
func (p *Proxy) rejectAuth(rw http.ResponseWriter, req *http.Request, hc *HookContext, err error) {
	head := authRequiredHead(p.auth)

	perr := &Error{Kind: KindAuth, Request: req, Response: head, Err: unwrapAuth(err)}
	p.metrics.authFailure(hc.Listener.String())
	p.logDebugf("Rejecting %s %s from %s: %v", req.Method, req.URL, req.RemoteAddr, perr.Err)

	p.callHook(hc, req, head, perr)

	copyHeader(rw.Header(), head.Header)
	rw.Header().Set("Content-Length", fmt.Sprint(len(proxyAuthRequiredBody)))
	rw.WriteHeader(head.StatusCode)
	_, _ = rw.Write([]byte(proxyAuthRequiredBody))
}

func unwrapAuth(err error) error {
	if perr, ok := err.(*Error); ok {
		return perr.Err
	}

	return err
}
