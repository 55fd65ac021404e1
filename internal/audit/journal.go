package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type tradeModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	TradeKey   string         `gorm:"column:trade_key;uniqueIndex"`
	TradeDate  string         `gorm:"column:trade_date;index"`
	PoolID     string         `gorm:"column:pool_id;index"`
	Ticker     string         `gorm:"column:ticker;index"`
	Action     string         `gorm:"column:action"`
	Quantity   int64          `gorm:"column:quantity"`
	Price      string         `gorm:"column:price"`
	TotalValue string         `gorm:"column:total_value"`
	Detail     datatypes.JSON `gorm:"column:detail;type:TEXT"`
	CreatedAt  int64          `gorm:"column:created_at"`
}

func (tradeModel) TableName() string { return "audit_trades" }

type tradeDetail struct {
	EntryScore    *float64 `json:"entry_score,omitempty"`
	ExitReason    string   `json:"exit_reason,omitempty"`
	ExitScore     *float64 `json:"exit_score,omitempty"`
	RealizedPLPct *float64 `json:"realized_pl_pct,omitempty"`
	HoldingDays   *int     `json:"holding_days,omitempty"`
}

// Journal 把成交镜像到 sqlite，便于按 pool/ticker/日期查询。
// trade_key 唯一，重跑同一天不会产生重复行。
type Journal struct {
	db *gorm.DB
}

func NewJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit journal 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (j *Journal) Append(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	seen := make(map[string]int, len(trades))
	rows := make([]tradeModel, 0, len(trades))
	for _, t := range trades {
		detail, err := json.Marshal(tradeDetail{
			EntryScore:    t.EntryScore,
			ExitReason:    t.ExitReason,
			ExitScore:     t.ExitScore,
			RealizedPLPct: t.RealizedPLPct,
			HoldingDays:   t.HoldingDays,
		})
		if err != nil {
			return err
		}
		base := tradeKey(t)
		n := seen[base]
		seen[base] = n + 1
		rows = append(rows, tradeModel{
			TradeKey:   fmt.Sprintf("%s#%d", base, n),
			TradeDate:  t.Date.UTC().Format("2006-01-02"),
			PoolID:     t.PoolID,
			Ticker:     t.Ticker,
			Action:     string(t.Action),
			Quantity:   t.Quantity,
			Price:      t.Price.String(),
			TotalValue: t.TotalValue.String(),
			Detail:     datatypes.JSON(detail),
			CreatedAt:  now,
		})
	}
	return j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "trade_key"}}, DoNothing: true}).
		Create(&rows).Error
}

func (j *Journal) List(ctx context.Context, f Filter) ([]Trade, error) {
	q := j.db.WithContext(ctx).Model(&tradeModel{})
	if f.PoolID != "" {
		q = q.Where("pool_id = ?", f.PoolID)
	}
	if f.Ticker != "" {
		q = q.Where("ticker = ?", strings.ToUpper(f.Ticker))
	}
	if !f.From.IsZero() {
		q = q.Where("trade_date >= ?", f.From.UTC().Format("2006-01-02"))
	}
	if !f.To.IsZero() {
		q = q.Where("trade_date <= ?", f.To.UTC().Format("2006-01-02"))
	}
	var rows []tradeModel
	if f.Limit > 0 {
		// 取最近 Limit 条，再按写入顺序返回
		if err := q.Order("id DESC").Limit(f.Limit).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i, k := 0, len(rows)-1; i < k; i, k = i+1, k-1 {
			rows[i], rows[k] = rows[k], rows[i]
		}
	} else if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTrade()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r tradeModel) toTrade() (Trade, error) {
	date, err := time.Parse("2006-01-02", r.TradeDate)
	if err != nil {
		return Trade{}, err
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return Trade{}, err
	}
	total, err := decimal.NewFromString(r.TotalValue)
	if err != nil {
		return Trade{}, err
	}
	var detail tradeDetail
	if len(r.Detail) > 0 {
		if err := json.Unmarshal(r.Detail, &detail); err != nil {
			return Trade{}, err
		}
	}
	return Trade{
		Date:          date,
		PoolID:        r.PoolID,
		Ticker:        r.Ticker,
		Action:        Action(r.Action),
		Quantity:      r.Quantity,
		Price:         price,
		TotalValue:    total,
		EntryScore:    detail.EntryScore,
		ExitReason:    detail.ExitReason,
		ExitScore:     detail.ExitScore,
		RealizedPLPct: detail.RealizedPLPct,
		HoldingDays:   detail.HoldingDays,
	}, nil
}

func tradeKey(t Trade) string {
	return strings.Join([]string{
		t.Date.UTC().Format("2006-01-02"),
		t.PoolID,
		t.Ticker,
		string(t.Action),
		fmt.Sprint(t.Quantity),
		t.Price.String(),
	}, "|")
}
