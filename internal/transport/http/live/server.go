// Package livehttp serves the pool, trade and live-session HTTP API.
package livehttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradesim/internal/logger"

	"github.com/gin-gonic/gin"
)

// Registrar 是可挂载到路由分组的子路由。
type Registrar interface {
	Register(group *gin.RouterGroup)
}

// Server 是进程内唯一的 HTTP 服务。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；Backtest 为空时不挂载回测接口。
type ServerConfig struct {
	Addr     string
	Live     *Router
	Backtest Registrar
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Live == nil {
		return nil, errors.New("live router 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	cfg.Live.Register(router.Group("/api"))
	if cfg.Backtest != nil {
		cfg.Backtest.Register(router.Group("/api/backtest"))
	}
	return &Server{addr: cfg.Addr, router: router}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path += "?" + query
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 返回 gin 引擎，供测试直接调用。
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP 服务监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
