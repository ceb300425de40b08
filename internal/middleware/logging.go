// internal/middleware/logging.go
//
// Request logging.  Each request gets a child logger tagged with chi's
// request ID, stored in the context for handlers, and one summary line is
// written when the response completes.

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/logger"
)

// RequestLog must run after chimw.RequestID.
func RequestLog(base *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With("req_id", chimw.GetReqID(r.Context()))
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
			}
			if status >= 500 {
				log.Warnw("request", fields...)
				return
			}
			log.Infow("request", fields...)
		})
	}
}
