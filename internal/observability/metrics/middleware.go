package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the final status
// code while preserving optional interfaces like Hijacker and Flusher.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// NewResponseRecorder constructs a ResponseRecorder defaulting the status code
// to 200 OK when WriteHeader is not invoked by the handler.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status exposes the status code written to the response.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// WriteHeader captures the first status code before delegating.
func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

// Flush flushes the response when supported by the underlying writer.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack preserves HTTP/1.1 connection hijacking when available.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// RouteLabeler maps a request to a bounded route label.
type RouteLabeler func(*http.Request) string

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil). Requests are
// labelled by routeOf so arbitrary client paths never become label values.
func HTTPMiddleware(recorder *Recorder, routeOf RouteLabeler, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		route := "other"
		if routeOf != nil {
			route = routeOf(r)
		}
		rec.ObserveRequest(r.Method, route, rr.Status(), time.Since(start))
	})
}
