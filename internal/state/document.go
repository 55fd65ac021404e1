package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tradesim/internal/portfolio"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const dateLayout = "2006-01-02"

type positionDoc struct {
	Ticker     string      `json:"ticker"`
	Quantity   int64       `json:"quantity"`
	EntryPrice json.Number `json:"entry_price"`
	EntryDate  string      `json:"entry_date"`
	EntryScore float64     `json:"entry_score"`
	PeakPrice  json.Number `json:"peak_price"`
}

type poolDoc struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	InitialCapital json.Number   `json:"initial_capital"`
	Cash           json.Number   `json:"cash"`
	Positions      []positionDoc `json:"positions"`
}

// Document 是持久化账本文档。
type Document struct {
	Pools           []poolDoc `json:"pools"`
	LastUpdated     string    `json:"last_updated"`
	LastSettledPlan string    `json:"last_settled_plan,omitempty"`
}

const documentSchema = `{
  "type": "object",
  "required": ["pools", "last_updated"],
  "properties": {
    "last_updated": {"type": "string"},
    "last_settled_plan": {"type": "string"},
    "pools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "initial_capital", "cash", "positions"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "initial_capital": {"type": "number", "exclusiveMinimum": 0},
          "cash": {"type": "number", "minimum": 0},
          "positions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["ticker", "quantity", "entry_price", "entry_date"],
              "properties": {
                "ticker": {"type": "string", "minLength": 1},
                "quantity": {"type": "integer", "minimum": 1},
                "entry_price": {"type": "number", "exclusiveMinimum": 0},
                "entry_date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
                "entry_score": {"type": "number"},
                "peak_price": {"type": "number"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ledger.json", strings.NewReader(documentSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("ledger.json")
}

func encodeSnapshot(s portfolio.Snapshot) poolDoc {
	doc := poolDoc{
		ID:             s.ID,
		Name:           s.Name,
		InitialCapital: json.Number(s.InitialCapital.String()),
		Cash:           json.Number(s.Cash.String()),
		Positions:      make([]positionDoc, 0, len(s.Positions)),
	}
	for _, p := range s.Positions {
		doc.Positions = append(doc.Positions, positionDoc{
			Ticker:     p.Ticker,
			Quantity:   p.Quantity,
			EntryPrice: json.Number(p.EntryPrice.String()),
			EntryDate:  p.EntryDate.UTC().Format(dateLayout),
			EntryScore: p.EntryScore,
			PeakPrice:  json.Number(p.PeakPrice.String()),
		})
	}
	return doc
}

func decodeSnapshot(doc poolDoc) (portfolio.Snapshot, error) {
	initial, err := decimalOf(doc.InitialCapital)
	if err != nil {
		return portfolio.Snapshot{}, fmt.Errorf("pool %s initial_capital: %w", doc.ID, err)
	}
	cash, err := decimalOf(doc.Cash)
	if err != nil {
		return portfolio.Snapshot{}, fmt.Errorf("pool %s cash: %w", doc.ID, err)
	}
	snap := portfolio.Snapshot{ID: doc.ID, Name: doc.Name, InitialCapital: initial, Cash: cash}
	for i, p := range doc.Positions {
		entry, err := decimalOf(p.EntryPrice)
		if err != nil {
			return portfolio.Snapshot{}, fmt.Errorf("pool %s position[%d] entry_price: %w", doc.ID, i, err)
		}
		peak := entry
		if p.PeakPrice != "" {
			if peak, err = decimalOf(p.PeakPrice); err != nil {
				return portfolio.Snapshot{}, fmt.Errorf("pool %s position[%d] peak_price: %w", doc.ID, i, err)
			}
		}
		date, err := time.Parse(dateLayout, p.EntryDate)
		if err != nil {
			return portfolio.Snapshot{}, fmt.Errorf("pool %s position[%d] entry_date: %w", doc.ID, i, err)
		}
		snap.Positions = append(snap.Positions, portfolio.PositionLot{
			Ticker:     p.Ticker,
			Quantity:   p.Quantity,
			EntryPrice: entry,
			EntryDate:  date,
			EntryScore: p.EntryScore,
			PeakPrice:  peak,
		})
	}
	return snap, nil
}

func decimalOf(n json.Number) (decimal.Decimal, error) {
	return decimal.NewFromString(n.String())
}

// parseDocument 校验并解析账本文档，旧版 strategy_groups 格式会先迁移。
func parseDocument(raw []byte) (Document, bool, error) {
	if !gjson.ValidBytes(raw) {
		return Document{}, false, fmt.Errorf("ledger document 不是合法 JSON")
	}
	migrated := false
	if gjson.GetBytes(raw, "strategy_groups").Exists() && !gjson.GetBytes(raw, "pools").Exists() {
		var err error
		if raw, err = migrateLegacy(raw); err != nil {
			return Document{}, false, err
		}
		migrated = true
	}
	var v any
	vdec := json.NewDecoder(bytes.NewReader(raw))
	vdec.UseNumber()
	if err := vdec.Decode(&v); err != nil {
		return Document{}, false, err
	}
	if err := compiledSchema.Validate(v); err != nil {
		return Document{}, false, fmt.Errorf("ledger document 校验失败: %w", err)
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, false, err
	}
	return doc, migrated, nil
}

// migrateLegacy 将 {strategy_groups:[{group_id,...,positions:[{symbol|ticker,shares|quantity,...}]}]}
// 转为当前格式。
func migrateLegacy(raw []byte) ([]byte, error) {
	doc := Document{LastUpdated: gjson.GetBytes(raw, "last_updated").String()}
	if doc.LastUpdated == "" {
		doc.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	}
	gjson.GetBytes(raw, "strategy_groups").ForEach(func(_, g gjson.Result) bool {
		pd := poolDoc{
			ID:             firstString(g, "id", "group_id"),
			Name:           firstString(g, "name", "display_name"),
			InitialCapital: json.Number(firstRaw(g, "initial_capital", "starting_capital")),
			Cash:           json.Number(firstRaw(g, "cash")),
			Positions:      []positionDoc{},
		}
		g.Get("positions").ForEach(func(_, p gjson.Result) bool {
			entry := firstRaw(p, "entry_price")
			peak := firstRaw(p, "peak_price", "highest_price")
			if peak == "" {
				peak = entry
			}
			pd.Positions = append(pd.Positions, positionDoc{
				Ticker:     firstString(p, "ticker", "symbol"),
				Quantity:   p.Get("quantity").Int() + p.Get("shares").Int(),
				EntryPrice: json.Number(entry),
				EntryDate:  firstString(p, "entry_date"),
				EntryScore: p.Get("entry_score").Float() + p.Get("confidence").Float(),
				PeakPrice:  json.Number(peak),
			})
			return true
		})
		doc.Pools = append(doc.Pools, pd)
		return true
	})
	return json.Marshal(doc)
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// firstRaw 返回数字的原始文本，兼容以字符串保存的金额。
func firstRaw(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := r.Get(k)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String {
			return strings.TrimSpace(v.String())
		}
		return v.Raw
	}
	return ""
}
