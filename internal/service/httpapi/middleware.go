package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
	"github.com/vladislavdragonenkov/rescuebag/internal/metrics"
)

// Заголовки сессии. Аутентификацию выполняет шлюз перед сервисом.
const (
	UserIDHeader     = "X-User-ID"
	BusinessIDHeader = "X-Business-ID"
)

const sessionKey = "rescuebag.session"

// sessionMiddleware кладёт сессию из заголовков в контекст запроса.
func sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(sessionKey, domain.Session{
			UserID:     strings.TrimSpace(c.GetHeader(UserIDHeader)),
			BusinessID: strings.TrimSpace(c.GetHeader(BusinessIDHeader)),
		})
		c.Next()
	}
}

func sessionFrom(c *gin.Context) domain.Session {
	if v, ok := c.Get(sessionKey); ok {
		if session, ok := v.(domain.Session); ok {
			return session
		}
	}
	return domain.Session{}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sessionFrom(c).UserID == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", UserIDHeader+" header is required")
			return
		}
		c.Next()
	}
}

func requireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sessionFrom(c).BusinessID == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", BusinessIDHeader+" header is required")
			return
		}
		c.Next()
	}
}

func requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessionFrom(c)
		if session.UserID == "" && session.BusinessID == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "session headers are required")
			return
		}
		c.Next()
	}
}

// recoveryMiddleware превращает panic в 500 с JSON-телом.
func recoveryMiddleware(logger *log.Entry) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.WithFields(log.Fields{
			"panic": recovered,
			"route": c.FullPath(),
		}).Error("http handler panic")
		abortWithError(c, http.StatusInternalServerError, "internal", "internal error")
	})
}

// loggingMiddleware пишет строку лога на каждый запрос вместе с trace_id.
func loggingMiddleware(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		spanCtx := trace.SpanFromContext(c.Request.Context()).SpanContext()
		traceID := ""
		if spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"trace_id":   traceID,
			"status":     status,
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Warn("http request")
		case c.Request.URL.Path == "/livez" || c.Request.URL.Path == "/healthz":
			entry.Debug("http request")
		default:
			entry.Info("http request")
		}
	}
}

// metricsMiddleware считает запросы по шаблону маршрута, а не по сырому пути.
func metricsMiddleware(m *metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.RequestStarted()

		c.Next()

		m.RecordRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
