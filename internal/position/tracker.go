// Package position 维护买卖两侧的加权平均成本 (虚拟仓位)。
// 所有函数都是纯函数: 输入一个仓位快照和一笔成交, 输出新的快照。
package position

import (
	"grid-trailing-bot-go/internal/models"
)

// ApplyFill 将一笔成交并入仓位快照并返回新快照。
//
// BUY 成交: 如果 SELL 侧均价更优(更低)且数量足以吸收这笔成交,
// 则视为部分平空, 减少 SELL 数量并修正其均价; 否则并入 BUY 侧,
// 按加权平均更新均价。SELL 成交对称。
func ApplyFill(p models.VirtualPositions, side models.Side, amount, price float64) models.VirtualPositions {
	if amount <= 0 {
		return p
	}

	switch side {
	case models.SideBuy:
		if p.SellPrice < price && p.SellAmount > amount {
			// SELL 侧均价更优, 视为部分平空, 冲抵 SELL 侧
			newAmount := p.SellAmount - amount
			if newAmount <= 0 {
				p.SellAmount = 0
				p.SellPrice = 0
			} else {
				p.SellPrice += (price - p.SellPrice) * (amount / (p.SellAmount - amount))
				p.SellAmount = newAmount
			}
		} else {
			p.BuyPrice += (price - p.BuyPrice) * (amount / (p.BuyAmount + amount))
			p.BuyAmount += amount
		}

	case models.SideSell:
		if p.BuyPrice > price && p.BuyAmount > amount {
			// BUY 侧均价更优, 视为部分平多, 冲抵 BUY 侧
			newAmount := p.BuyAmount - amount
			if newAmount <= 0 {
				p.BuyAmount = 0
				p.BuyPrice = 0
			} else {
				p.BuyPrice += (price - p.BuyPrice) * (amount / (p.BuyAmount - amount))
				p.BuyAmount = newAmount
			}
		} else {
			p.SellPrice += (price - p.SellPrice) * (amount / (p.SellAmount + amount))
			p.SellAmount += amount
		}
	}

	// 数值误差防护: 数量归零时均价一并清零
	if p.BuyAmount <= 0 {
		p.BuyAmount = 0
		p.BuyPrice = 0
	}
	if p.SellAmount <= 0 {
		p.SellAmount = 0
		p.SellPrice = 0
	}
	return p
}

// Rebuild 从成交历史重建仓位快照, 用于快照丢失后的启动恢复。
func Rebuild(fills []Fill) models.VirtualPositions {
	var p models.VirtualPositions
	for _, f := range fills {
		p = ApplyFill(p, f.Side, f.Amount, f.Price)
	}
	return p
}

// Fill 是重建仓位所需的最小成交记录
type Fill struct {
	Side   models.Side
	Amount float64
	Price  float64
}
