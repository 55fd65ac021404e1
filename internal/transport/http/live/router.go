package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/audit"
	"tradesim/internal/engine"
	"tradesim/internal/market"
	"tradesim/internal/state"

	"github.com/gin-gonic/gin"
)

// Session 执行一个实盘交易日，由 engine.LiveSession 实现。
type Session interface {
	RunDay(ctx context.Context, date time.Time, fills *engine.Fills) (*engine.LiveReport, error)
	PendingPath() string
}

// Router 暴露资金池查询、成交查询与实盘会话触发接口。
type Router struct {
	State   *state.Orchestrator
	Trades  audit.Reader
	Session Session
	// OnReport 在 POST /live/run 成功后回调，可为空。
	OnReport func(*engine.LiveReport)

	now func() time.Time
}

// NewRouter 构造 router，trades/session 可为空，对应接口返回 503。
func NewRouter(st *state.Orchestrator, trades audit.Reader, session Session) *Router {
	return &Router{State: st, Trades: trades, Session: session, now: time.Now}
}

// Register 挂载到 /api 分组。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/summary", r.handleSummary)
	group.GET("/pools", r.handlePools)
	group.GET("/pools/:id", r.handlePoolDetail)
	group.GET("/trades", r.handleTrades)
	group.POST("/live/run", r.handleRunDay)
	group.GET("/live/plan", r.handlePendingPlan)
}

func (r *Router) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"summary": r.State.Summary(nil)})
}

func (r *Router) handlePools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": r.State.Summary(nil).Pools})
}

func (r *Router) handlePoolDetail(c *gin.Context) {
	id := c.Param("id")
	p, err := r.State.Pool(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	detail := PoolDetail{MaxPositions: p.MaxPositions(), Positions: positionsOf(p)}
	for _, ps := range r.State.Summary(nil).Pools {
		if ps.ID == p.ID() {
			detail.PoolSummary = ps
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"pool": detail})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "审计日志未启用"})
		return
	}
	f := audit.Filter{
		PoolID: strings.TrimSpace(c.Query("pool")),
		Ticker: strings.TrimSpace(c.Query("ticker")),
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	f.Limit = limit
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			continue
		}
		t, err := market.ParseDate(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + ": " + err.Error()})
			return
		}
		*dst = t
	}
	trades, err := r.Trades.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleRunDay(c *gin.Context) {
	if r.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "实盘会话未启用"})
		return
	}
	var req RunDayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	date := market.Day(r.now())
	if strings.TrimSpace(req.Date) != "" {
		d, err := market.ParseDate(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date = d
	}
	var fills *engine.Fills
	if len(req.Fills) > 0 {
		fills = &engine.Fills{Date: market.DateKey(date)}
		for _, f := range req.Fills {
			fills.Fills = append(fills.Fills, engine.Fill{Pool: f.Pool, Ticker: strings.ToUpper(strings.TrimSpace(f.Ticker)), Price: f.Price, Quantity: f.Quantity})
		}
	}
	rep, err := r.Session.RunDay(c.Request.Context(), date, fills)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, state.ErrPersistence) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if r.OnReport != nil {
		r.OnReport(rep)
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (r *Router) handlePendingPlan(c *gin.Context) {
	if r.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "实盘会话未启用"})
		return
	}
	plan, err := engine.LoadPendingPlan(r.Session.PendingPath())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if plan == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有待执行计划"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}
