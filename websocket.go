package caronte

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// DefaultWSUpgrader accepts any Origin, leaving the check to the origin
	// server.
	DefaultWSUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	// DefaultWSDialer verifies origin certificates against the system roots.
	DefaultWSDialer = &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		TLSClientConfig:  &tls.Config{NextProtos: []string{"http/1.1"}},
	}
)

// Direction tells which way a relayed WebSocket message travels.
type Direction int32

const (
	// Inbound messages travel from the origin to the client.
	Inbound Direction = iota
	// Outbound messages travel from the client to the origin.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "Inbound"
	case Outbound:
		return "Outbound"
	default:
		return ""
	}
}

// WSMessage is a relayed WebSocket message. Modifiers may change Type and Msg.
type WSMessage struct {
	direction Direction
	Type      int
	Msg       []byte
}

func (m *WSMessage) Direction() Direction {
	return m.direction
}

// wsHandshakeHeaders are generated by the dialer itself.
var wsHandshakeHeaders = []string{"Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions"}

func wsURL(u *url.URL) string {
	ws := *u

	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	}

	return ws.String()
}

// serveWS relays a WebSocket upgrade. The origin is dialed first; the client
// is upgraded only once the origin accepted.
func (p *Proxy) serveWS(rw http.ResponseWriter, req *http.Request, hc *HookContext) {
	ctx := req.Context()

	outreq := req.Clone(ctx)
	removeHopHeaders(outreq.Header)

	for _, name := range wsHandshakeHeaders {
		outreq.Header.Del(name)
	}

	if p.director != nil {
		p.director(outreq)
	}

	p.metrics.request(hc)

	originConn, res, err := p.wsDialer.DialContext(ctx, wsURL(outreq.URL), outreq.Header)
	if err != nil {
		if res == nil {
			p.upstreamError(rw, outreq, nil, err)
			return
		}

		p.relayRejectedUpgrade(rw, req, hc, res)

		return
	}
	defer originConn.Close()

	head := newResponseHead(res)
	p.callHook(hc, req, head, nil)

	clientConn, err := p.wsUpgrader.Upgrade(rw, req, upgradeResponseHeader(head.Header))
	if err != nil {
		// Upgrade has already answered the client.
		p.logDebugf("Cannot upgrade %s: %v", req.URL, err)
		return
	}
	defer clientConn.Close()

	stop := context.AfterFunc(ctx, func() {
		originConn.Close()
	})
	defer stop()

	errc := make(chan error, 2)

	go p.pumpWS(originConn, clientConn, Outbound, errc)
	go p.pumpWS(clientConn, originConn, Inbound, errc)

	// The first side to finish ends the relay; the deferred closes stop the other.
	err = <-errc

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || isClosedConnError(err) {
		return
	}

	p.emit(&Error{Kind: KindTransport, Request: outreq, Response: head, Err: fmt.Errorf("websocket relay: %w", err)})
}

// relayRejectedUpgrade passes a non-101 origin answer on to the client.
func (p *Proxy) relayRejectedUpgrade(rw http.ResponseWriter, req *http.Request, hc *HookContext, res *http.Response) {
	defer res.Body.Close()

	head := newResponseHead(res)
	p.callHook(hc, req, head, nil)

	copyHeader(rw.Header(), head.Header)
	rw.WriteHeader(head.StatusCode)

	if err := p.copyResponse(rw, res.Body, p.flushIntervalFor(res)); err != nil {
		p.logDebugf("Cannot relay rejected WebSocket upgrade of %s: %v", req.URL, err)
	}
}

// upgradeResponseHeader keeps the origin headers the client upgrade may carry.
func upgradeResponseHeader(h http.Header) http.Header {
	out := http.Header{}

	for _, name := range []string{"Sec-Websocket-Protocol", "Set-Cookie"} {
		if values := h.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}

	return out
}

// pumpWS copies messages from src to dst until either side fails.
func (p *Proxy) pumpWS(dst, src *websocket.Conn, dir Direction, errc chan<- error) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Time{})
	})

	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Time{})
	})

	for {
		typ, data, err := src.ReadMessage()
		if err != nil {
			forwardWSClose(dst, err)
			errc <- err

			return
		}

		msg := &WSMessage{direction: dir, Type: typ, Msg: data}
		if p.wsMessageModifier != nil {
			p.wsMessageModifier(msg)
		}

		if err := dst.WriteMessage(msg.Type, msg.Msg); err != nil {
			errc <- err
			return
		}
	}
}

// forwardWSClose mirrors the close received on one side to the other. Codes
// that are never sent on the wire only drop the connection.
func forwardWSClose(dst *websocket.Conn, err error) {
	code, text := websocket.CloseNormalClosure, ""

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return
		case websocket.CloseNoStatusReceived:
		default:
			code, text = closeErr.Code, closeErr.Text
		}
	}

	_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
