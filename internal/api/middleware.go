package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
)

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// route attaches a request-scoped logger, recovers panics, maps errors and
// records metrics for one route.
func (s *Server) route(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		log := s.logger.With("request_id", requestID, "route", name)
		r = r.WithContext(logging.WithLogger(r.Context(), log))
		rec := &statusRecorder{ResponseWriter: w}

		log.Info("got a new request",
			"method", r.Method,
			"url", r.URL.RequestURI(),
			"ip", clientIP(r),
			"user_agent", r.UserAgent(),
		)

		defer func() {
			if p := recover(); p != nil {
				s.writeError(rec, r, fmt.Errorf("panic: %v", p))
			}
			metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
			log.Info("finished processing request", "status", rec.status, "took", time.Since(start))
		}()

		if err := h(rec, r); err != nil {
			s.writeError(rec, r, err)
		}
	})
}

// cors allows any origin, reflecting it back.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the address set by the fronting proxy.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("True-Client-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
