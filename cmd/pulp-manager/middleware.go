package main

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/metrics"
)

type statusCodeCapturingResponseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	statusCode  int
}

func (l *statusCodeCapturingResponseWriter) Write(p []byte) (n int, err error) {
	l.wroteHeader = true
	return l.ResponseWriter.Write(p)
}

func (l *statusCodeCapturingResponseWriter) WriteHeader(code int) {
	if !l.wroteHeader {
		l.statusCode = code
		l.wroteHeader = true
	}
	l.ResponseWriter.WriteHeader(code)
}

func loggingWrapper(upstream func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		l, w, f := logFor(r, w)
		defer f()
		upstream(l, w, r, p)
	}
}

func simpleLoggingWrapper(upstream httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		_, w, f := logFor(r, w)
		defer f()
		upstream(w, r, p)
	}
}

func logFor(r *http.Request, w http.ResponseWriter) (l *logrus.Entry, _ http.ResponseWriter, toDefer func()) {
	l = logrus.WithFields(logrus.Fields{"UID": uuid.NewV1().String(), "path": r.URL.Path, "method": r.Method})
	loggingWriter := &statusCodeCapturingResponseWriter{w, false, 200}
	start := time.Now()
	return l, loggingWriter, func() {
		l = l.WithFields(logrus.Fields{
			"status":   loggingWriter.statusCode,
			"duration": time.Since(start).String(),
		})
		logFunc := l.Debug
		if loggingWriter.statusCode > 499 {
			logFunc = l.Error
		}
		logFunc("responded")
	}
}

// instrumentedRouter feeds every registered route into the API request
// histogram, labeled with the route pattern rather than the concrete path so
// ids and names do not explode the label space.
type instrumentedRouter struct {
	*httprouter.Router
}

func (ir *instrumentedRouter) wrap(method, path string, handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		capturingWriter := &statusCodeCapturingResponseWriter{w, false, 200}
		start := time.Now()
		handler(capturingWriter, r, p)
		metrics.ObserveHTTPRequest(method, path, capturingWriter.statusCode, time.Since(start))
	}
}

func (ir *instrumentedRouter) GET(path string, handle httprouter.Handle) {
	ir.Router.GET(path, ir.wrap(http.MethodGet, path, handle))
}

func (ir *instrumentedRouter) POST(path string, handle httprouter.Handle) {
	ir.Router.POST(path, ir.wrap(http.MethodPost, path, handle))
}

func newInstrumentedRouter() *instrumentedRouter {
	return &instrumentedRouter{Router: httprouter.New()}
}
