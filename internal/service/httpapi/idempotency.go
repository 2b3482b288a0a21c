package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rescuebag/internal/clock"
	"github.com/vladislavdragonenkov/rescuebag/internal/domain"
)

const (
	// IdempotencyKeyHeader: клиентский ключ повтора запроса.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader выставляется, когда ответ взят из кэша.
	IdempotentReplayHeader = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotencyKeyLen  = 255
	maxIdempotentBodySize = 1 << 20
)

// idempotency кэширует ответ запроса с Idempotency-Key. Без заголовка запрос
// проходит как обычно. Ключ в хранилище скоупится пользователем и маршрутом,
// хэш считается от пути и тела.
type idempotency struct {
	repo   domain.IdempotencyRepository
	clock  clock.Clock
	ttl    time.Duration
	logger *log.Entry
}

// bodyRecorder дублирует тело ответа в буфер для кэша.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (m *idempotency) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.repo == nil {
			c.Next()
			return
		}

		clientKey := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
		if clientKey == "" {
			c.Next()
			return
		}
		if len(clientKey) > maxIdempotencyKeyLen {
			abortWithError(c, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key is too long")
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIdempotentBodySize))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		key := scopedIdempotencyKey(sessionFrom(c), c.FullPath(), clientKey)
		reqHash := idempotencyRequestHash(c.Request.Method, c.Request.URL.Path, body)

		ctx := c.Request.Context()
		record, err := m.repo.CreateProcessing(ctx, key, reqHash, m.clock.Now().UTC().Add(m.ttl))
		if err != nil {
			m.replay(c, err, record)
			return
		}

		// Ответ уже ушёл клиенту; кэш пишем даже если клиент отключился.
		storeCtx := context.WithoutCancel(ctx)
		completed := false
		defer func() {
			if completed {
				return
			}
			// Паника обработчика: recovery ответит 500, ключ освобождаем.
			if err := m.repo.Release(storeCtx, key); err != nil {
				m.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to release idempotency key")
			}
		}()

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()
		completed = true

		status := recorder.Status()
		switch {
		case status < http.StatusBadRequest:
			err = m.repo.MarkDone(storeCtx, key, recorder.body.Bytes(), status)
		case transientStatus(status):
			// Временный сбой не кэшируется: повтор с тем же ключом выполнится заново.
			err = m.repo.Release(storeCtx, key)
		default:
			err = m.repo.MarkFailed(storeCtx, key, recorder.body.Bytes(), status)
		}
		if err != nil {
			m.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	}
}

func (m *idempotency) replay(c *gin.Context, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		abortWithError(c, http.StatusUnprocessableEntity, "idempotency_key_reused",
			"idempotency key is already used with different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if record.HTTPStatus == 0 || len(record.ResponseBody) == 0 {
				abortWithError(c, http.StatusInternalServerError, "internal", "idempotency cache is empty")
				return
			}
			c.Header(IdempotentReplayHeader, "true")
			c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
			c.Abort()
		case domain.IdempotencyStatusProcessing:
			abortWithError(c, http.StatusConflict, "idempotency_in_progress",
				"request with the same idempotency key is already processing")
		default:
			abortWithError(c, http.StatusInternalServerError, "internal", "unknown idempotency record status")
		}
	default:
		m.logger.WithError(createErr).Warn("failed to create idempotency record")
		status, code := classify(createErr)
		if status == http.StatusInternalServerError {
			abortWithError(c, status, code, "failed to initialize idempotency request")
			return
		}
		abortWithError(c, status, code, createErr.Error())
	}
}

// transientStatus отмечает ответы, которые клиент вправе повторить с тем же ключом.
func transientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

func scopedIdempotencyKey(session domain.Session, route, clientKey string) string {
	owner := session.UserID
	if owner == "" {
		owner = "business:" + session.BusinessID
	}
	return owner + ":" + route + ":" + clientKey
}

func idempotencyRequestHash(method, path string, body []byte) string {
	payload := make([]byte, 0, len(method)+len(path)+2+len(body))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
