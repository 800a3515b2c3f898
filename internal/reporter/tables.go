package reporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	Symbol           string
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	RealizedProfit   float64 // 网格已实现利润
	TotalTrades      int
	BuyTrades        int
	SellTrades       int
	FeesQuote        float64
	MaxDrawdown      float64
	EndingCash       float64 // 期末现金
	EndingAssetValue float64 // 期末持仓市值
	TotalAssetQty    float64 // 持有资产的总数量
	StartTime        time.Time
	EndTime          time.Time
}

// Summarize computes backtest metrics from the simulator's final state and
// the equity curve sampled along the run.
func Summarize(sim *exchange.SimExchange, base, quote string, initial, realized float64, equityCurve []float64) *Metrics {
	m := &Metrics{Symbol: base + quote, InitialBalance: initial, RealizedProfit: realized}

	price := sim.LastPrice()
	for _, t := range sim.Trades() {
		m.TotalTrades++
		if t.Side == models.Buy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
		if t.FeeAsset == quote {
			m.FeesQuote += t.Fee
		} else {
			m.FeesQuote += t.Fee * t.Price
		}
	}

	cashFree, cashLocked := sim.Balance(quote)
	assetFree, assetLocked := sim.Balance(base)
	m.EndingCash = cashFree + cashLocked
	m.TotalAssetQty = assetFree + assetLocked
	m.EndingAssetValue = m.TotalAssetQty * price
	m.FinalBalance = m.EndingCash + m.EndingAssetValue

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderBacktest writes the backtest report as a table.
func RenderBacktest(w io.Writer, m *Metrics, dataPath string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", m.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"网格已实现利润", fmt.Sprintf("%.4f", m.RealizedProfit)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"买入 / 卖出", fmt.Sprintf("%d / %d", m.BuyTrades, m.SellTrades)},
		{"手续费", fmt.Sprintf("%.4f", m.FeesQuote)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f", m.EndingCash)},
		{"期末持仓市值", fmt.Sprintf("%.2f (%.6f)", m.EndingAssetValue, m.TotalAssetQty)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	t.Render()
}

// RenderLedger writes the current grid orders and balances as tables.
func RenderLedger(w io.Writer, orders []*models.Order, balances []models.BalanceSnapshot) {
	sorted := append([]*models.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Price != sorted[j].Price {
			return sorted[i].Price > sorted[j].Price
		}
		return sorted[i].SlotID < sorted[j].SlotID
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Slot", "Side", "Price", "Qty", "Status", "Exchange ID", "Updated"})
	counts := make(map[models.OrderStatus]int)
	for _, o := range sorted {
		counts[o.Status]++
		t.AppendRow(table.Row{
			o.SlotID,
			o.Side,
			fmt.Sprintf("%.2f", o.Price),
			fmt.Sprintf("%.6f", o.Quantity),
			o.Status,
			o.ExchangeOrderID,
			o.UpdatedAt.Format("15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d open", counts[models.StatusOpen]),
		fmt.Sprintf("%d pending", counts[models.StatusPendingPlacement]), ""})
	t.Render()

	b := table.NewWriter()
	b.SetOutputMirror(w)
	b.SetStyle(table.StyleLight)
	b.AppendHeader(table.Row{"Asset", "Free", "Reserved", "Total"})
	for _, s := range balances {
		b.AppendRow(table.Row{
			s.Asset,
			fmt.Sprintf("%.6f", s.Free),
			fmt.Sprintf("%.6f", s.Reserved),
			fmt.Sprintf("%.6f", s.Total),
		})
	}
	b.Render()
}
