package caronte

import (
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"
	"golang.org/x/net/http/httpguts"
)

// BufferPool is an interface for getting and returning temporary
// byte slices for use by io.CopyBuffer.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

const copyBufferSize = 32 * 1024

// NewBufferPool returns a BufferPool keeping up to size buffers of 32KiB.
func NewBufferPool(size int) BufferPool {
	return bpool.NewBytePool(size, copyBufferSize)
}

// flushIntervalFor returns the flush interval for res. Event streams and
// responses of unknown length are flushed after every write.
func (p *Proxy) flushIntervalFor(res *http.Response) time.Duration {
	if res.ContentLength == -1 {
		return -1
	}

	if ct, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")); ct == "text/event-stream" {
		return -1
	}

	return p.flushInterval
}

func (p *Proxy) getBuffer() []byte {
	if p.bufferPool == nil {
		return make([]byte, copyBufferSize)
	}

	return p.bufferPool.Get()
}

func (p *Proxy) putBuffer(buf []byte) {
	if p.bufferPool != nil {
		p.bufferPool.Put(buf)
	}
}

// copyResponse streams a response body to the client, flushing according
// to flushInterval.
func (p *Proxy) copyResponse(dst io.Writer, src io.Reader, flushInterval time.Duration) error {
	if wf, ok := dst.(writeFlusher); ok && flushInterval != 0 {
		fw := newFlushWriter(wf, flushInterval)
		defer fw.stop()

		dst = fw
	}

	buf := p.getBuffer()
	defer p.putBuffer(buf)

	_, err := p.copyBuffer(dst, src, buf)

	return err
}

// copyBuffer copies src to dst until EOF. It returns write errors and
// read errors other than EOF.
func (p *Proxy) copyBuffer(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, copyBufferSize)
	}

	var written int64

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)

			switch {
			case werr != nil:
				return written, werr
			case nw < nr:
				return written, io.ErrShortWrite
			}
		}

		switch {
		case rerr == nil:
			continue
		case rerr == io.EOF:
			return written, nil
		case !isClosedConnError(rerr):
			p.logDebugf("Read error during copy: %v", rerr)
		}

		return written, rerr
	}
}

type writeFlusher interface {
	io.Writer
	http.Flusher
}

// flushWriter flushes dst after every write when interval is negative.
// Otherwise it flushes at most once per interval while writes keep coming.
type flushWriter struct {
	dst      writeFlusher
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func newFlushWriter(dst writeFlusher, interval time.Duration) *flushWriter {
	w := &flushWriter{dst: dst, interval: interval}

	// Get the headers out even when the first body bytes are late.
	if interval > 0 {
		w.schedule()
	}

	return w
}

func (w *flushWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.dst.Write(b)

	switch {
	case w.interval < 0:
		w.dst.Flush()
	case !w.pending:
		w.schedule()
	}

	return n, err
}

// schedule arms the flush timer. Callers hold w.mu once w is shared.
func (w *flushWriter) schedule() {
	w.pending = true

	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flush)
		return
	}

	w.timer.Reset(w.interval)
}

func (w *flushWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.pending || w.stopped {
		return
	}

	w.pending = false
	w.dst.Flush()
}

func (w *flushWriter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.pending = false

	if w.timer != nil {
		w.timer.Stop()
	}
}

// hopHeaders are dropped in both directions (RFC 7230 section 6.1, plus
// the RFC 2616 list and Proxy-Connection).
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	ProxyAuthorizationHeader,
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes hopHeaders and every header named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func upgradeType(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}

	return strings.ToLower(h.Get("Upgrade"))
}

// copyHeader appends every value of src to dst.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append(dst[name], values...)
	}
}
