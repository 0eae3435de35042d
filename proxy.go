package caronte

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hupe1980/golog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultName is the proxy name advertised in X-Proxy-Agent.
	DefaultName = "Caronte Proxy"
	// Version is advertised in X-Proxy-Agent.
	Version = "1.0.0"
)

type RequestModifierFunc func(req *http.Request)

type WSMessageModifierFunc func(msg *WSMessage)

type ErrorHandlerFunc func(http.ResponseWriter, *http.Request, error)

type Options struct {
	// PEM encoded certificate chain and private key presented to
	// intercepted clients. Required.
	CertPEM []byte
	KeyPEM  []byte

	// Base TLS configuration of the interception listener.
	// If nil, DefaultTLSServerConfig is used.
	TLSServerConfig *tls.Config

	// Auth enables Basic proxy authentication when not nil.
	Auth *AuthConfig

	// HTTPKeepAlive and HTTPSKeepAlive select whether outbound connections
	// to origins are reused. By default every request opens a fresh one.
	HTTPKeepAlive  bool
	HTTPSKeepAlive bool

	// Transports used to perform proxy requests. If nil, one is built from
	// the keep-alive, timeout and UpstreamTLSConfig settings.
	HTTPTransport  http.RoundTripper
	HTTPSTransport http.RoundTripper

	// UpstreamTLSConfig configures TLS towards origins. Origin certificates
	// are verified against the system roots by default.
	UpstreamTLSConfig *tls.Config

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// ReadHeaderTimeout and IdleTimeout apply to client connections of
	// both listeners.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// TunnelIdleTimeout closes a CONNECT tunnel when no bytes moved in
	// either direction for this long. Zero disables it.
	TunnelIdleTimeout time.Duration

	// MaxTunnels bounds the number of live CONNECT tunnels. When exceeded
	// the least recently used tunnel is closed. If zero, DefaultMaxTunnels.
	MaxTunnels int

	// The upgrader used to upgrade a HTTP connection
	// to a WebSocket connection.
	// If nil, DefaultWSUpgrader is used.
	WSUpgrader *websocket.Upgrader

	// The dialer used to connect to a WebSocket server.
	// If nil, DefaultWSDialer is used.
	WSDialer *websocket.Dialer

	// FlushInterval is how often response bodies are flushed to the client.
	// Zero disables periodic flushing and a negative value flushes after
	// every write. Event streams and bodies of unknown length are always
	// flushed after every write.
	FlushInterval time.Duration

	// BufferPool optionally specifies a buffer pool to get byte slices for
	// body copies and tunnel splices. If nil, NewBufferPool(1024) is used.
	BufferPool BufferPool

	// Hook observes every completed or auth-rejected request.
	Hook HookFunc

	// ErrorHandler is an optional function that answers the client after
	// an upstream failure was reported on the error stream.
	// If nil, the client connection is aborted.
	ErrorHandler ErrorHandlerFunc

	// ErrorBufferSize is the capacity of the channel returned by Errors.
	ErrorBufferSize int

	// Name and Version make up the X-Proxy-Agent header.
	Name    string
	Version string

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger

	// PromRegistry registers the proxy metrics. If nil, metrics are not exported.
	PromRegistry  prometheus.Registerer
	PromNamespace string
}

type Proxy struct {
	*logger
	auth              *AuthConfig
	agent             string
	httpTransport     http.RoundTripper
	httpsTransport    http.RoundTripper
	wsUpgrader        *websocket.Upgrader
	wsDialer          *websocket.Dialer
	flushInterval     time.Duration
	tunnelIdleTimeout time.Duration
	bufferPool        BufferPool
	director          RequestModifierFunc
	hook              HookFunc
	errorHandler      ErrorHandlerFunc
	wsMessageModifier WSMessageModifierFunc
	metrics           *metrics

	sessions    *correlator
	interceptor *interceptor
	public      *http.Server

	// lifecycle
	mu      sync.Mutex
	state   state
	addr    net.Addr
	group   *errgroup.Group
	tunnels sync.WaitGroup
	errs    *errorStream
}

// New validates the configuration and builds a proxy. Nothing is bound
// until Start is called.
func New(optFns ...func(*Options)) (*Proxy, error) {
	options := Options{
		Logger:              golog.NewGoLogger(golog.INFO, log.Default()),
		TLSServerConfig:     DefaultTLSServerConfig,
		WSUpgrader:          DefaultWSUpgrader,
		WSDialer:            DefaultWSDialer,
		Name:                DefaultName,
		Version:             Version,
		MaxTunnels:          DefaultMaxTunnels,
		ErrorBufferSize:     64,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ReadHeaderTimeout:   30 * time.Second,
		IdleTimeout:         90 * time.Second,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if err := options.Auth.Validate(); err != nil {
		return nil, err
	}

	if len(options.CertPEM) == 0 || len(options.KeyPEM) == 0 {
		return nil, configError("tls: certificate and key are required")
	}

	cert, err := tls.X509KeyPair(options.CertPEM, options.KeyPEM)
	if err != nil {
		return nil, configError("tls: invalid certificate or key: %w", err)
	}

	if options.TLSServerConfig == nil {
		options.TLSServerConfig = DefaultTLSServerConfig
	}

	if options.UpstreamTLSConfig != nil && options.WSDialer == DefaultWSDialer {
		d := *DefaultWSDialer
		d.TLSClientConfig = options.UpstreamTLSConfig.Clone()
		d.TLSClientConfig.NextProtos = []string{"http/1.1"}
		options.WSDialer = &d
	}

	if options.BufferPool == nil {
		options.BufferPool = NewBufferPool(1024)
	}

	if options.HTTPTransport == nil {
		options.HTTPTransport = newTransport(&options, options.HTTPKeepAlive)
	}

	if options.HTTPSTransport == nil {
		options.HTTPSTransport = newTransport(&options, options.HTTPSKeepAlive)
	}

	sessions, err := newCorrelator(options.MaxTunnels)
	if err != nil {
		return nil, configError("%w", err)
	}

	p := &Proxy{
		logger:            &logger{options.Logger},
		auth:              options.Auth,
		agent:             fmt.Sprintf("%s v%s", options.Name, options.Version),
		httpTransport:     options.HTTPTransport,
		httpsTransport:    options.HTTPSTransport,
		wsUpgrader:        options.WSUpgrader,
		wsDialer:          options.WSDialer,
		flushInterval:     options.FlushInterval,
		tunnelIdleTimeout: options.TunnelIdleTimeout,
		bufferPool:        options.BufferPool,
		hook:              options.Hook,
		errorHandler:      options.ErrorHandler,
		sessions:          sessions,
		errs:              newErrorStream(options.ErrorBufferSize),
	}

	p.metrics = newMetrics(options.PromRegistry, options.PromNamespace, sessions)
	p.interceptor = newInterceptor(p, cert, &options)
	p.public = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: options.ReadHeaderTimeout,
		IdleTimeout:       options.IdleTimeout,
		ErrorLog:          p.serverErrorLog(PublicListener),
	}

	return p, nil
}

// ServeHTTP is the handler of the public listener.
func (p *Proxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		p.handleConnect(rw, req)
		return
	}

	p.logDebugf("Got request %s %s %s", req.Method, req.Host, req.URL)

	hc := &HookContext{
		Listener:  PublicListener,
		Scheme:    req.URL.Scheme,
		TargetURL: req.URL,
		Agent:     p.agent,
	}

	// Credentials are checked before the request shape, so an
	// unauthenticated client always sees the 407 challenge.
	if err := authenticate(p.auth, req.Header); err != nil {
		p.rejectAuth(rw, req, hc, err)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		http.Error(rw, "caronte: proxy requests need an absolute URI", http.StatusBadRequest)
		return
	}

	stripCredentials(req.Header)

	p.serve(rw, req.WithContext(withTargetURL(req.Context(), req.URL)), hc)
}

// serve relays an authorized request, switching to the WebSocket relay for
// upgrade requests.
func (p *Proxy) serve(rw http.ResponseWriter, req *http.Request, hc *HookContext) {
	reqUpType := upgradeType(req.Header)
	if reqUpType != "" {
		switch reqUpType {
		case "websocket":
			p.serveWS(rw, req, hc)
			return
		default:
			p.logDebugf("Unsupported upgrade type %q for %s", reqUpType, req.URL)
			http.Error(rw, fmt.Sprintf("unsupported upgrade type: %s", reqUpType), http.StatusBadRequest)

			return
		}
	}

	p.forward(rw, req, hc)
}

// OnRequest sets a function that may modify every outbound request.
// It must be set before Start.
func (p *Proxy) OnRequest(fn RequestModifierFunc) {
	p.director = fn
}

// OnWSMessage sets a function that may modify relayed WebSocket messages.
// It must be set before Start.
func (p *Proxy) OnWSMessage(fn WSMessageModifierFunc) {
	p.wsMessageModifier = fn
}

// Agent returns the X-Proxy-Agent value.
func (p *Proxy) Agent() string {
	return p.agent
}

// ActiveTunnels returns the number of live CONNECT tunnels.
func (p *Proxy) ActiveTunnels() int {
	return p.sessions.Len()
}
