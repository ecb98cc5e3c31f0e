package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/backupd/internal/artifact"
	"github.com/loykin/backupd/internal/orchestrator"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// errorStatus maps a façade error to its HTTP status. Launch failures and
// everything unexpected are 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, artifact.ErrPathTraversal), errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage hides the sentinel prefix of invalid requests so clients see
// messages like "backupName is required".
func errorMessage(err error) string {
	msg := err.Error()
	if errors.Is(err, orchestrator.ErrInvalidRequest) {
		msg = strings.TrimPrefix(msg, orchestrator.ErrInvalidRequest.Error()+": ")
	}
	return msg
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, errorStatus(err), errorResp{Error: errorMessage(err)})
}

// staticPath returns the file under root serving urlPath, or "" when there
// is none. The url path is cleaned as an absolute path first so it can never
// climb out of root.
func staticPath(root, urlPath string) string {
	if root == "" {
		return ""
	}
	p := filepath.Join(root, filepath.FromSlash(path.Clean("/"+urlPath)))
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return ""
	}
	return p
}

// requestLogger logs one line per request. Streams are logged when they end.
func requestLogger(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		l.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
