package gateway

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

const cacheHeader = "X-Cache"

// captureWriter tees the response body, up to limit bytes, while writing it
// to the client.
type captureWriter struct {
	http.ResponseWriter
	status    int
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.limit > 0 && cw.buf.Len()+len(b) > cw.limit {
		cw.truncated = true
	} else {
		cw.buf.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

func cacheKey(prefix string, c echo.Context) string {
	sum := sha1.Sum([]byte(c.Request().URL.Path + "?" + c.Request().URL.RawQuery))
	return fmt.Sprintf("%s:%x", prefix, sum)
}

// encodeEntry packs [4 bytes content type length][content type][body].
func encodeEntry(contentType string, body []byte) []byte {
	out := make([]byte, 4, 4+len(contentType)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(contentType)))
	out = append(out, contentType...)
	return append(out, body...)
}

func decodeEntry(b []byte) (contentType string, body []byte, ok bool) {
	if len(b) < 4 {
		return "", nil, false
	}
	n := int(binary.BigEndian.Uint32(b))
	if 4+n > len(b) {
		return "", nil, false
	}
	return string(b[4 : 4+n]), b[4+n:], true
}

// Cache serves GET responses from store and drops every cached entry after a
// successful write, so reads never outlive the mutation that changed them by
// more than one request. A nil store disables caching.
func Cache(cfg CacheConfig, store Store, l *slog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || store == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if c.Request().Method != http.MethodGet {
				if err := next(c); err != nil {
					return err
				}
				if s := c.Response().Status; s >= 200 && s < 300 {
					if err := store.Purge(context.WithoutCancel(ctx)); err != nil {
						l.Warn("failed to purge response cache", logger.ErrAttr(err))
					}
				}
				return nil
			}

			key := cacheKey(cfg.Prefix, c)
			if b, found, err := store.Get(ctx, key); err != nil {
				l.Warn("cache lookup failed", logger.ErrAttr(err))
			} else if found {
				if ct, body, ok := decodeEntry(b); ok {
					c.Response().Header().Set(cacheHeader, "HIT")
					return c.Blob(http.StatusOK, ct, body)
				}
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: cfg.MaxBodyBytes}
			c.Response().Writer = cw
			c.Response().Header().Set(cacheHeader, "MISS")

			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || cw.truncated {
				return nil
			}
			entry := encodeEntry(c.Response().Header().Get(echo.HeaderContentType), cw.buf.Bytes())
			if err := store.Set(context.WithoutCancel(ctx), key, entry, ttl); err != nil {
				l.Warn("cache store failed", logger.ErrAttr(err))
			}
			return nil
		}
	}
}
