package caronte

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// newTransport builds the outbound transport for one scheme. keepAlive
// selects between connection reuse and a fresh connection per request.
func newTransport(opts *Options, keepAlive bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var tlsConfig *tls.Config
	if opts.UpstreamTLSConfig != nil {
		tlsConfig = opts.UpstreamTLSConfig.Clone()
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     !keepAlive,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// The proxy talks HTTP/1.1 to clients; keep origins on HTTP/1.1 too.
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
}

func (p *Proxy) transportFor(scheme string) http.RoundTripper {
	if scheme == "https" || scheme == "wss" {
		return p.httpsTransport
	}

	return p.httpTransport
}

// forward relays req to its absolute URL and streams the response back.
func (p *Proxy) forward(rw http.ResponseWriter, req *http.Request, hc *HookContext) {
	ctx := req.Context()

	outreq := req.Clone(ctx)

	if req.ContentLength == 0 {
		outreq.Body = nil
	}

	if outreq.Body != nil {
		// Reading from the request body after returning from a handler is not
		// allowed, and the RoundTrip goroutine that reads the Body can outlive
		// this handler. This can lead to a crash if the handler panics.
		// Although calling Close doesn't guarantee there isn't any Read in
		// flight after the handle returns, in practice it's safe to read after
		// closing it.
		defer outreq.Body.Close()
	}

	if outreq.Header == nil {
		outreq.Header = make(http.Header)
	}

	outreq.RequestURI = ""
	outreq.Close = false

	// If User-Agent is not set by client, then explicitly
	// disable it so it's not set to default value by std lib
	if _, ok := outreq.Header["User-Agent"]; !ok {
		outreq.Header.Set("User-Agent", "")
	}

	removeHopHeaders(outreq.Header)

	// Tell backend applications that care about trailer support
	// that we support trailers. Look at req.Header, not outreq.Header, since
	// the latter has lost its hop-by-hop headers.
	if httpguts.HeaderValuesContainsToken(req.Header["Te"], "trailers") {
		outreq.Header.Set("Te", "trailers")
	}

	if p.director != nil {
		p.director(outreq)
	}

	p.metrics.request(hc)

	res, err := p.transportFor(outreq.URL.Scheme).RoundTrip(outreq)
	if err != nil {
		if ctx.Err() != nil {
			p.logDebugf("Client went away during %s %s: %v", outreq.Method, outreq.URL, err)
			return
		}

		p.upstreamError(rw, outreq, nil, err)

		return
	}

	// Releases the origin connection if a hook panics.
	defer res.Body.Close()

	removeHopHeaders(res.Header)

	head := newResponseHead(res)

	p.callHook(hc, req, head, nil)

	copyHeader(rw.Header(), head.Header)

	// The "Trailer" header isn't included in the Transport's response,
	// at least for *http.Transport. Build it up from Trailer.
	announcedTrailers := len(res.Trailer)
	if announcedTrailers > 0 {
		trailerKeys := make([]string, 0, len(res.Trailer))
		for k := range res.Trailer {
			trailerKeys = append(trailerKeys, k)
		}

		rw.Header().Add("Trailer", strings.Join(trailerKeys, ", "))
	}

	rw.WriteHeader(head.StatusCode)

	err = p.copyResponse(rw, res.Body, p.flushIntervalFor(res))
	if err != nil {
		res.Body.Close()

		if !isClosedConnError(err) {
			p.emit(&Error{Kind: KindTransport, Request: outreq, Response: head, Err: fmt.Errorf("relaying response body: %w", err)})
		}

		// Since we're streaming the response, if we run into an error all we can do
		// is abort the request.
		panic(http.ErrAbortHandler)
	}

	res.Body.Close() // close now, instead of defer, to populate res.Trailer

	if len(res.Trailer) > 0 {
		// Force chunking if we saw a response trailer.
		// This prevents net/http from calculating the length for short
		// bodies and adding a Content-Length.
		if fl, ok := rw.(http.Flusher); ok {
			fl.Flush()
		}
	}

	if len(res.Trailer) == announcedTrailers {
		copyHeader(rw.Header(), res.Trailer)
		return
	}

	for k, vv := range res.Trailer {
		k = http.TrailerPrefix + k
		for _, v := range vv {
			rw.Header().Add(k, v)
		}
	}
}

// upstreamError reports a failure to reach the origin on the error stream
// and then hands the exchange to the ErrorHandler, or aborts the client
// connection when there is none.
func (p *Proxy) upstreamError(rw http.ResponseWriter, req *http.Request, head *ResponseHead, err error) {
	p.emit(&Error{Kind: KindUpstream, Request: req, Response: head, Err: err})

	if p.errorHandler != nil {
		p.errorHandler(rw, req, err)
		return
	}

	panic(http.ErrAbortHandler)
}
