package backtest

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Render 将回测结果格式化为文本表格。
func (r *Result) Render() string {
	t := table.NewWriter()
	t.SetTitle("回测结果 %s", r.Pair.Symbol())
	t.AppendRows([]table.Row{
		{"周期", fmt.Sprintf("%s ~ %s", r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04"))},
		{"K线数量", fmt.Sprintf("%d (补洞 %d)", r.Candles, r.GapsFilled)},
		{"首价 / 末价", fmt.Sprintf("%.8g / %.8g", r.FirstPrice, r.LastPrice)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末 " + r.Pair.Base, fmt.Sprintf("%.8f", r.FirstBalance)},
		{"期末 " + r.Pair.Quote, fmt.Sprintf("%.8f", r.SecondBalance)},
		{"期初总资产", fmt.Sprintf("%.8f %s", r.StartValue, r.Pair.Quote)},
		{"期末总资产(首价)", fmt.Sprintf("%.8f %s", r.ValueByFirstPrice, r.Pair.Quote)},
		{"期末总资产(末价)", fmt.Sprintf("%.8f %s", r.ValueByLastPrice, r.Pair.Quote)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"收益(首价)", fmt.Sprintf("%+.8f %s (%+.2f%%)", r.ProfitByFirstPrice, r.Pair.Quote, percent(r.ProfitByFirstPrice, r.StartValue))},
		{"收益(末价)", fmt.Sprintf("%+.8f %s (%+.2f%%)", r.ProfitByLastPrice, r.Pair.Quote, percent(r.ProfitByLastPrice, r.StartValue))},
		{"成交订单数", fmt.Sprintf("%d", r.ExecutedOrders)},
		{"参数热更新次数", fmt.Sprintf("%d", r.StaticUpdates)},
	})
	return t.Render()
}

func percent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part / whole * 100
}
