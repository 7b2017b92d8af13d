package httpx

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLog logs one line per request through chi's RequestLogger. 5xx
// responses log at error level; the rest at info.
func RequestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return middleware.RequestLogger(slogFormatter{logger: logger})
}

type slogFormatter struct {
	logger *slog.Logger
}

func (f slogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if client := clientID(r); client != "" {
		attrs = append(attrs, slog.String("client_id", client))
	}
	return &requestEntry{logger: f.logger.With(attrs...), r: r}
}

type requestEntry struct {
	logger *slog.Logger
	r      *http.Request
}

func (e *requestEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	// chi reports 0 when the handler never wrote a header.
	if status == 0 {
		status = http.StatusOK
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	e.logger.Log(e.r.Context(), level, "http",
		slog.Int("status", status),
		slog.Int("bytes", bytes),
		slog.Duration("duration", elapsed))
}

func (e *requestEntry) Panic(v any, stack []byte) {
	e.logger.ErrorContext(e.r.Context(), "panic",
		slog.Any("error", v),
		slog.String("stack", string(stack)))
}

// Recover turns a handler panic into a JSON 500. The panic is reported on the
// request's log entry when RequestLog runs ahead of it, otherwise on logger.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler { //nolint:errorlint // net/http compares this sentinel by identity
					panic(v)
				}
				entry := middleware.GetLogEntry(r)
				if entry == nil {
					entry = slogFormatter{logger: logger}.NewLogEntry(r)
				}
				entry.Panic(v, debug.Stack())
				WriteError(w, http.StatusInternalServerError, "internal", "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LimitBody caps request bodies at maxBytes; zero means no cap. Reads past
// the cap fail and the handler reports invalid JSON.
func LimitBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
