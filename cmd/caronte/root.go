package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/detro/caronte"
	"github.com/hupe1980/golog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type command struct {
	address           string
	certFile          string
	keyFile           string
	username          string
	password          string
	realm             string
	skipConnectAuth   bool
	httpKeepAlive     bool
	httpsKeepAlive    bool
	upstreamCAFile    string
	tunnelIdleTimeout time.Duration
	maxTunnels        int
	metricsAddress    string
	logLevel          string
	logRequests       bool
}

func rootCommand() *cobra.Command {
	c := command{
		address:  ":8080",
		logLevel: "info",
	}

	env := newFlagEnv(envPrefix)

	cmd := &cobra.Command{
		Use:           "caronte --cert-file <path> --key-file <path> [flags]",
		Short:         "Start an intercepting HTTP and HTTPS proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return env.apply(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&c.address, "address", "a", c.address, "public listener address")
	fs.StringVar(&c.certFile, "cert-file", c.certFile, "PEM certificate presented to intercepted clients")
	fs.StringVar(&c.keyFile, "key-file", c.keyFile, "PEM private key of the certificate")
	fs.StringVarP(&c.username, "username", "u", c.username, "proxy username, enables Basic proxy authentication")
	fs.StringVarP(&c.password, "password", "p", c.password, "proxy password")
	fs.StringVar(&c.realm, "realm", c.realm, "realm advertised in the Proxy-Authenticate challenge")
	fs.BoolVar(&c.skipConnectAuth, "skip-connect-auth", c.skipConnectAuth, "authenticate decrypted requests instead of CONNECT")
	fs.BoolVar(&c.httpKeepAlive, "http-keepalive", c.httpKeepAlive, "reuse connections to plain HTTP origins")
	fs.BoolVar(&c.httpsKeepAlive, "https-keepalive", c.httpsKeepAlive, "reuse connections to HTTPS origins")
	fs.StringVar(&c.upstreamCAFile, "upstream-ca-file", c.upstreamCAFile, "additional PEM CA bundle trusted for origins")
	fs.DurationVar(&c.tunnelIdleTimeout, "tunnel-idle-timeout", c.tunnelIdleTimeout, "close CONNECT tunnels with no traffic in either direction for this duration, 0 disables")
	fs.IntVar(&c.maxTunnels, "max-tunnels", caronte.DefaultMaxTunnels, "maximum number of live CONNECT tunnels")
	fs.StringVar(&c.metricsAddress, "metrics-address", c.metricsAddress, "serve Prometheus metrics on this address when set")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "log level, one of debug, info, error")
	fs.BoolVar(&c.logRequests, "log-requests", c.logRequests, "log every proxied request")

	cmd.MarkFlagsRequiredTogether("username", "password")
	env.annotate(fs)

	cmd.AddCommand(versionCommand())

	return cmd
}

func (c *command) run(cmd *cobra.Command) error {
	level, err := parseLevel(c.logLevel)
	if err != nil {
		return err
	}

	if c.certFile == "" || c.keyFile == "" {
		return errors.New("--cert-file and --key-file are required")
	}

	certPEM, err := os.ReadFile(c.certFile)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(c.keyFile)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	var upstreamTLS *tls.Config
	if c.upstreamCAFile != "" {
		if upstreamTLS, err = loadUpstreamCA(c.upstreamCAFile); err != nil {
			return err
		}
	}

	logger := golog.NewGoLogger(level, log.New(cmd.ErrOrStderr(), "", log.LstdFlags))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	proxy, err := caronte.New(func(o *caronte.Options) {
		o.CertPEM = certPEM
		o.KeyPEM = keyPEM
		o.HTTPKeepAlive = c.httpKeepAlive
		o.HTTPSKeepAlive = c.httpsKeepAlive
		o.UpstreamTLSConfig = upstreamTLS
		o.TunnelIdleTimeout = c.tunnelIdleTimeout
		o.MaxTunnels = c.maxTunnels
		o.Logger = logger
		o.PromRegistry = reg
		o.PromNamespace = "caronte"

		if c.username != "" {
			o.Auth = &caronte.AuthConfig{
				Username:    c.username,
				Password:    c.password,
				Realm:       c.realm,
				SkipConnect: c.skipConnectAuth,
			}
		}

		if c.logRequests {
			o.Hook = func(hc *caronte.HookContext, req *http.Request, res *caronte.ResponseHead, err error) {
				logger.Printf(golog.INFO, "[%s] %s %s %d %s", hc.Listener, req.Method, hc.TargetURL, res.StatusCode, res.Status)
			}
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Errors are logged by the proxy; keep the stream drained.
		for {
			select {
			case _, ok := <-proxy.Errors():
				if !ok {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return proxy.ListenAndServe(ctx, c.address)
	})

	if c.metricsAddress != "" {
		srv := &http.Server{
			Addr:              c.metricsAddress,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Printf(golog.INFO, "Serving metrics on %s", c.metricsAddress)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func loadUpstreamCA(file string) (*tls.Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read upstream CA: %w", err)
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}

	if !roots.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %s", file)
	}

	return &tls.Config{RootCAs: roots}, nil
}

func parseLevel(s string) (golog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return golog.DEBUG, nil
	case "info":
		return golog.INFO, nil
	case "error":
		return golog.ERROR, nil
	default:
		return golog.INFO, fmt.Errorf("unknown log level %q", s)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()

			fmt.Fprintln(w, "Version:\t", caronte.Version)
			fmt.Fprintln(w, "Go Arch:\t", runtime.GOARCH)
			fmt.Fprintln(w, "Go OS:\t\t", runtime.GOOS)
			fmt.Fprintln(w, "Go Version:\t", runtime.Version())
		},
	}
}
