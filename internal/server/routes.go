package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
	"github.com/danmuck/patchctl/internal/orchestrator"
	"github.com/danmuck/patchctl/internal/resolve"
	"github.com/danmuck/patchctl/internal/rpc"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type scriptsRequest struct {
	Paths []string `json:"paths" binding:"required,min=1"`
}

type evalRequest struct {
	Expr string `json:"expr" binding:"required"`
}

type callRequest struct {
	Module   string `json:"module" binding:"required"`
	Function string `json:"function" binding:"required"`
	Args     []any  `json:"args"`
}

type resolveResponse struct {
	Order   []string          `json:"order"`
	Failed  map[string]string `json:"failed,omitempty"`
	Located []string          `json:"located,omitempty"`
}

func (s *Server) registerRoutes(guard ...gin.HandlerFunc) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"processes": len(s.ctl.Processes()),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/", guard...)

	api.GET("/processes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"processes": s.ctl.Processes()})
	})

	api.GET("/scripts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"scripts": s.ctl.Scripts()})
	})

	api.POST("/scripts", func(c *gin.Context) {
		var req scriptsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := s.ctl.AddScripts(c.Request.Context(), req.Paths...)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toResolveResponse(res))
	})

	api.DELETE("/scripts", func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing path"})
			return
		}
		res, err := s.ctl.RemoveScript(c.Request.Context(), path)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toResolveResponse(res))
	})

	api.POST("/scripts/reload", func(c *gin.Context) {
		if err := s.ctl.ReloadAll(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.POST("/processes/:pid/eval", func(c *gin.Context) {
		pid, ok := pidParam(c)
		if !ok {
			return
		}
		var req evalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.callTimeout)
		defer cancel()
		out, err := s.ctl.Eval(ctx, pid, req.Expr)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": resultValue(out)})
	})

	api.POST("/processes/:pid/call", func(c *gin.Context) {
		pid, ok := pidParam(c)
		if !ok {
			return
		}
		var req callRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.callTimeout)
		defer cancel()
		out, err := s.ctl.CallFunction(ctx, pid, req.Module, req.Function, req.Args...)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": resultValue(out)})
	})

	api.GET("/errors", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"errors": s.ctl.Errors()})
	})

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pages": s.ctl.StatusPages(c.Request.Context())})
	})

	api.GET("/status/:page", func(c *gin.Context) {
		data, err := s.ctl.StatusPage(c.Request.Context(), c.Param("page"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"page": c.Param("page"), "data": data})
	})

	api.GET("/events", func(c *gin.Context) {
		events, cancel := s.ctl.Subscribe()
		defer cancel()
		ctx := c.Request.Context()
		c.Header("Cache-Control", "no-cache")
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.SSEvent(string(ev.Kind), ev)
				c.Writer.Flush()
			case <-ctx.Done():
				return
			}
		}
	})
}

func pidParam(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return 0, false
	}
	return pid, true
}

// resultValue passes valid JSON through untouched and wraps anything else
// as a string. An empty reply is null.
func resultValue(out []byte) any {
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return json.RawMessage(out)
	}
	return string(out)
}

func toResolveResponse(res resolve.Result) resolveResponse {
	out := resolveResponse{Order: make([]string, 0, len(res.Order))}
	for _, n := range res.Order {
		out.Order = append(out.Order, n.String())
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for k, err := range res.Failed {
			out.Failed[k] = err.Error()
		}
	}
	for _, f := range res.Located {
		out.Located = append(out.Located, f.Path())
	}
	sort.Strings(out.Located)
	return out
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrProcessNotFound),
		errors.Is(err, orchestrator.ErrScriptNotFound),
		errors.Is(err, orchestrator.ErrUnknownPage):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, hostproc.ErrProcessExited):
		return http.StatusGone
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, rpc.ErrRemote), errors.Is(err, rpc.ErrProtocolDecode):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
