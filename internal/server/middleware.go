package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/property"
)

// statusRecorder captures the response code for request logging. It passes
// Hijack through so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not support hijacking", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// logRequests logs every request at debug level once it completes.
func logRequests(logger log.Log, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("Request handled",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			log.String("remote_addr", r.RemoteAddr),
			log.Duration("took", time.Since(start)))
	})
}

// frameLimiter is a token bucket per user over inbound non-signaling frames.
// Signaling is never limited.
type frameLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	users map[property.UserID]*rate.Limiter
}

func newFrameLimiter(perSecond float64, burst int) *frameLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &frameLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		users: make(map[property.UserID]*rate.Limiter),
	}
}

// Allow reports whether user may send another frame now. A nil limiter allows
// everything.
func (l *frameLimiter) Allow(user property.UserID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.users[user]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.users[user] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *frameLimiter) Forget(user property.UserID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.users, user)
	l.mu.Unlock()
}

func (l *frameLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// forgetOnLogout drops a user's bucket when its session ends.
func (l *frameLimiter) forgetOnLogout(events bus.EventBus) (bus.Subscription, error) {
	return events.SubscribeTopic(bus.TopicSession, bus.EventLogout, func(e bus.Event) error {
		if ev, ok := e.Data().(bus.UserEvent); ok {
			l.Forget(property.UserID(ev.User))
		}
		return nil
	})
}
