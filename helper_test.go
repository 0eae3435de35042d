package caronte

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/golog"
	"github.com/stretchr/testify/require"
)

// maxSerialNumber is the upper boundary for certificate serial numbers.
var maxSerialNumber = big.NewInt(0).SetBytes(bytes.Repeat([]byte{255}, 20))

// newTestCert creates a self-signed certificate for localhost valid between
// notBefore and notAfter.
func newTestCert(t testing.TB, notBefore, notAfter time.Time) (certPEM, keyPEM []byte, cert *x509.Certificate) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, maxSerialNumber)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "caronte test",
			Organization: []string{"caronte"},
		},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	require.NoError(t, err)

	cert, err = x509.ParseCertificate(raw)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	return certPEM, keyPEM, cert
}

func testLogger() golog.Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}

	return golog.NewGoLogger(golog.DEBUG, log.New(w, "caronte ", log.Lmicroseconds))
}

type testProxy struct {
	*Proxy
	URL   *url.URL
	Roots *x509.CertPool
}

// newTestProxy starts a proxy on a random local port. Unless overridden,
// the proxy trusts origin.
func newTestProxy(t *testing.T, origin *httptest.Server, optFns ...func(*Options)) *testProxy {
	t.Helper()

	tp := newUnstartedTestProxy(t, origin, optFns...)
	tp.start(t)

	return tp
}

func newUnstartedTestProxy(t *testing.T, origin *httptest.Server, optFns ...func(*Options)) *testProxy {
	t.Helper()

	now := time.Now()
	certPEM, keyPEM, cert := newTestCert(t, now.Add(-time.Hour), now.Add(time.Hour))

	fns := []func(*Options){func(o *Options) {
		o.CertPEM = certPEM
		o.KeyPEM = keyPEM
		o.Logger = testLogger()
		o.ErrorBufferSize = 16

		if origin != nil && origin.TLS != nil {
			roots := x509.NewCertPool()
			roots.AddCert(origin.Certificate())
			o.UpstreamTLSConfig = &tls.Config{RootCAs: roots}
		}
	}}

	p, err := New(append(fns, optFns...)...)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(cert)

	return &testProxy{Proxy: p, Roots: roots}
}

func (tp *testProxy) start(t *testing.T) {
	t.Helper()

	require.NoError(t, tp.Start("127.0.0.1:0"))

	t.Cleanup(func() {
		if err := tp.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
			t.Errorf("stop: %v", err)
		}
	})

	tp.URL = &url.URL{Scheme: "http", Host: tp.Addr().String()}
}

// client returns an HTTP client sending everything through the proxy and
// trusting the interception certificate. user may be nil.
func (tp *testProxy) client(user *url.Userinfo) *http.Client {
	proxyURL := *tp.URL
	proxyURL.User = user

	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(&proxyURL),
			TLSClientConfig:   &tls.Config{RootCAs: tp.Roots},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

// nextError waits for the next error on the proxy error stream.
func (tp *testProxy) nextError(t *testing.T) error {
	t.Helper()

	select {
	case err := <-tp.Errors():
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a proxy error")
		return nil
	}
}

// origin is an httpbin-like test origin.
type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T, useTLS bool) *origin {
	t.Helper()

	o := &origin{}

	mux := http.NewServeMux()
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)

		h := make(map[string]string, len(r.Header))
		for k := range r.Header {
			h[k] = r.Header.Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Origin", "yes")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"headers": h})
	})
	mux.HandleFunc("/redirect-to", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		w.Header().Set("Location", r.URL.Query().Get("url"))
		w.WriteHeader(http.StatusFound)
	})

	if useTLS {
		o.Server = httptest.NewTLSServer(mux)
	} else {
		o.Server = httptest.NewServer(mux)
	}

	t.Cleanup(o.Close)

	return o
}

type headersBody struct {
	Headers map[string]string `json:"headers"`
}

func decodeHeaders(t *testing.T, res *http.Response) map[string]string {
	t.Helper()

	defer res.Body.Close()

	var body headersBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))

	return body.Headers
}
