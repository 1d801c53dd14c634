package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger logs method, URI, and latency for every request, carried over
// verbatim from the wallet server's own request-logging middleware.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.Infof("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}
