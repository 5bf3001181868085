package middleware

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const (
	// RequestIDKey is the gin context key holding the request ID
	RequestIDKey = "request_id"

	maxStackDepth = 16
)

// StackFrame is one caller recorded for a recovered panic
type StackFrame struct {
	Function string `json:"function"`
	Package  string `json:"package"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s.%s (%s:%d)", f.Package, f.Function, f.File, f.Line)
}

// RequestID tags each request with an ID, reusing one sent by the client
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Recovery turns a handler panic into a 500 and logs where it happened
func Recovery(log hclog.Logger) gin.HandlerFunc {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		frames := captureStack(3, maxStackDepth)
		stack := make([]string, 0, len(frames))
		for _, f := range frames {
			stack = append(stack, f.String())
		}

		log.Error("panic recovered",
			"request_id", c.GetString(RequestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"panic", fmt.Sprint(recovered),
			"stack", strings.Join(stack, "\n"))

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "internal server error",
			"code":       "internal",
			"request_id": c.GetString(RequestIDKey),
		})
	})
}

func captureStack(skip, maxDepth int) []StackFrame {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		pkg, fn := splitFuncName(frame.Function)
		if pkg != "runtime" {
			out = append(out, StackFrame{Function: fn, Package: pkg, File: frame.File, Line: frame.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// splitFuncName splits "github.com/a/b.(*T).M" into package and function
func splitFuncName(name string) (string, string) {
	lastSlash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[lastSlash+1:], "."); dot >= 0 {
		i := lastSlash + 1 + dot
		return name[:i], name[i+1:]
	}
	return "", name
}
