// Package backtesthttp exposes backtest submission and result queries over HTTP.
package backtesthttp

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"tradesim/internal/backtest"

	"github.com/gin-gonic/gin"
)

// Router 提供 /api/backtest 下的接口。
type Router struct {
	svc     *backtest.Service
	results *backtest.ResultStore
}

func NewRouter(svc *backtest.Service) (*Router, error) {
	if svc == nil {
		return nil, errors.New("service 不能为空")
	}
	return &Router{svc: svc, results: svc.Results()}, nil
}

func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/runs", r.handleRunStart)
	group.POST("/grids", r.handleGridRun)
	group.GET("/runs", r.handleRunList)
	group.GET("/runs/:id", r.handleRunDetail)
	group.GET("/runs/:id/trades", r.handleRunTrades)
	group.GET("/runs/:id/closed", r.handleRunClosed)
	group.GET("/runs/:id/equity", r.handleRunEquity)
	group.GET("/runs/:id/skipped", r.handleRunSkipped)
}

func (r *Router) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := r.svc.Start(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

// gridRequest 是一组参数网格，每项与 POST /runs 的请求体相同。
type gridRequest struct {
	Runs []backtest.RunRequest `json:"runs" binding:"required,min=1,max=64,dive"`
}

type gridItem struct {
	Run   backtest.Run `json:"run"`
	Error string       `json:"error,omitempty"`
}

// handleGridRun 同步执行整张网格，单组失败只体现在该组的 error 中。
func (r *Router) handleGridRun(c *gin.Context) {
	var req gridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := r.svc.RunGrid(c.Request.Context(), req.Runs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items := make([]gridItem, len(results))
	for i, res := range results {
		items[i] = gridItem{Run: res.Run}
		if res.Err != nil {
			items[i].Error = res.Err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"runs": items})
}

func (r *Router) storeReady(c *gin.Context) bool {
	if r.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return false
	}
	return true
}

func (r *Router) handleRunList(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := r.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (r *Router) handleRunDetail(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	run, err := r.results.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (r *Router) handleRunTrades(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	trades, err := r.results.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleRunClosed(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	closed, err := r.results.ListClosed(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (r *Router) handleRunEquity(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	rows, err := r.results.ListEquity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": rows})
}

func (r *Router) handleRunSkipped(c *gin.Context) {
	if !r.storeReady(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "400"))
	skipped, err := r.results.ListSkipped(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skipped": skipped})
}
