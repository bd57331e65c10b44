// Package responsewriter provides utilities for wrapping http.ResponseWriter
// while preserving optional interfaces like Hijacker, Flusher, and ReaderFrom.
package responsewriter

import (
	"bufio"
	"io"
	"net"
	"net/http"
)

// Wrapper is an interface that all ResponseWriter wrappers should implement
type Wrapper interface {
	http.ResponseWriter
	// Unwrap returns the original ResponseWriter
	Unwrap() http.ResponseWriter
}

// WrapperBase provides a base implementation for ResponseWriter wrappers
// that preserves optional interfaces (Hijacker, Flusher, ReaderFrom)
type WrapperBase struct {
	http.ResponseWriter
}

// Unwrap returns the original ResponseWriter
func (w *WrapperBase) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack implements http.Hijacker so WebSocket upgrades pass through wrapping middleware.
func (w *WrapperBase) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

// Flush implements http.Flusher interface if the underlying ResponseWriter supports it
func (w *WrapperBase) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

// ReadFrom implements io.ReaderFrom so http.ServeContent keeps its sendfile path.
func (w *WrapperBase) ReadFrom(r io.Reader) (n int64, err error) {
	rf, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		// Fall back to default behavior
		return io.Copy(w.ResponseWriter, r)
	}
	return rf.ReadFrom(r)
}

// Recorder captures the status code and body size of a response.
type Recorder struct {
	WrapperBase
	status      int
	written     int64
	wroteHeader bool
}

// NewRecorder wraps w. The status defaults to 200 until WriteHeader is called.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{WrapperBase: WrapperBase{ResponseWriter: w}, status: http.StatusOK}
}

func (r *Recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *Recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func (r *Recorder) ReadFrom(src io.Reader) (int64, error) {
	r.wroteHeader = true
	n, err := r.WrapperBase.ReadFrom(src)
	r.written += n
	return n, err
}

// Status returns the response status code.
func (r *Recorder) Status() int { return r.status }

// Written returns the number of body bytes written.
func (r *Recorder) Written() int64 { return r.written }

// HeaderWritten reports whether the response has been committed.
func (r *Recorder) HeaderWritten() bool { return r.wroteHeader }

// Ensure the wrappers implement all optional interfaces
var (
	_ Wrapper       = (*WrapperBase)(nil)
	_ http.Hijacker = (*WrapperBase)(nil)
	_ http.Flusher  = (*WrapperBase)(nil)
	_ io.ReaderFrom = (*WrapperBase)(nil)
	_ io.ReaderFrom = (*Recorder)(nil)
)
