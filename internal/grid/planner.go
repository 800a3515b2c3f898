package grid

import (
	"errors"
	"fmt"
	"math"

	"grid-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

// Params are the inputs a grid is derived from. The same Params always
// produce the same Plan.
type Params struct {
	Lower      float64
	Upper      float64
	Rungs      int
	Spacing    models.Spacing
	Investment float64
	Reference  float64 // rungs below become buys, rungs above become sells; 0 means the centre rung
	TickSize   string
	StepSize   string
}

// ParamsFromConfig lifts the grid section of the config into planner params.
func ParamsFromConfig(cfg models.GridConfig, reference float64) Params {
	return Params{
		Lower:      cfg.LowerPrice,
		Upper:      cfg.UpperPrice,
		Rungs:      cfg.Rungs,
		Spacing:    cfg.Spacing,
		Investment: cfg.Investment,
		Reference:  reference,
		TickSize:   cfg.TickSize,
		StepSize:   cfg.StepSize,
	}
}

// Plan is a computed grid: rung prices, per-rung quantities and the initial
// slot set.
type Plan struct {
	Prices     []float64
	Quantities []float64
	Slots      []models.GridSlot
	Reference  float64

	tick decimal.Decimal
	step decimal.Decimal
}

// Compute builds the grid for p.
func Compute(p Params) (*Plan, error) {
	if p.Lower <= 0 || p.Upper <= p.Lower {
		return nil, fmt.Errorf("invalid grid range [%v, %v]", p.Lower, p.Upper)
	}
	if p.Rungs < 2 {
		return nil, errors.New("grid needs at least 2 rungs")
	}
	if p.Investment <= 0 {
		return nil, errors.New("investment must be positive")
	}
	tick, err := parseIncrement(p.TickSize, "0.01")
	if err != nil {
		return nil, fmt.Errorf("tick size: %w", err)
	}
	step, err := parseIncrement(p.StepSize, "0.00001")
	if err != nil {
		return nil, fmt.Errorf("step size: %w", err)
	}

	n := p.Rungs
	// 偶数网格加一, 保证存在中心线
	if n%2 == 0 {
		n++
	}

	plan := &Plan{tick: tick, step: step}
	raw := make([]float64, n)
	switch p.Spacing {
	case models.SpacingGeometric:
		ratio := math.Pow(p.Upper/p.Lower, 1/float64(n-1))
		for i := range raw {
			raw[i] = p.Lower * math.Pow(ratio, float64(i))
		}
	case models.SpacingArithmetic, "":
		gap := (p.Upper - p.Lower) / float64(n-1)
		for i := range raw {
			raw[i] = p.Lower + gap*float64(i)
		}
	default:
		return nil, fmt.Errorf("unknown spacing mode %q", p.Spacing)
	}
	raw[n-1] = p.Upper

	plan.Prices = make([]float64, n)
	plan.Quantities = make([]float64, n)
	perRung := decimal.NewFromFloat(p.Investment).Div(decimal.NewFromInt(int64(n)))
	for i, price := range raw {
		rounded := plan.RoundPrice(price)
		plan.Prices[i] = rounded
		plan.Quantities[i], _ = floorTo(perRung.Div(decimal.NewFromFloat(rounded)), step).Float64()
	}

	plan.Reference = p.Reference
	if plan.Reference <= 0 {
		plan.Reference = plan.Prices[n/2]
	}
	for i, price := range plan.Prices {
		switch {
		case price < plan.Reference:
			plan.Slots = append(plan.Slots, plan.slot(models.Buy, i, plan.Quantities[i]))
		case price > plan.Reference:
			plan.Slots = append(plan.Slots, plan.slot(models.Sell, i, plan.Quantities[i]))
		}
	}
	return plan, nil
}

func (p *Plan) slot(side models.Side, i int, qty float64) models.GridSlot {
	return models.GridSlot{
		ID:       models.SlotID(side, i),
		Side:     side,
		Index:    i,
		Price:    p.Prices[i],
		Quantity: qty,
	}
}

// Replacement is the opposite-side slot produced by a fill. A buy filled at
// rung i yields a sell at i+1 sized to the filled quantity net of fee; a sell
// filled at rung j yields a buy at j-1 with that rung's planned size. The grid
// edges yield nothing.
func (p *Plan) Replacement(filled models.Side, index int, filledQty, feeRate float64) (models.GridSlot, bool) {
	if filled == models.Buy {
		if index+1 >= len(p.Prices) {
			return models.GridSlot{}, false
		}
		net := p.RoundQuantity(filledQty * (1 - feeRate))
		if net <= 0 {
			return models.GridSlot{}, false
		}
		return p.slot(models.Sell, index+1, net), true
	}
	if index-1 < 0 {
		return models.GridSlot{}, false
	}
	return p.slot(models.Buy, index-1, p.Quantities[index-1]), true
}

// SellQuantity is the base asset the initial sell slots need.
func (p *Plan) SellQuantity() float64 {
	total := decimal.Zero
	for _, s := range p.Slots {
		if s.Side == models.Sell {
			total = total.Add(decimal.NewFromFloat(s.Quantity))
		}
	}
	f, _ := total.Float64()
	return f
}

// RoundPrice rounds to the nearest tick.
func (p *Plan) RoundPrice(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Div(p.tick).Round(0).Mul(p.tick).Float64()
	return f
}

// RoundQuantity rounds down to the lot step.
func (p *Plan) RoundQuantity(v float64) float64 {
	f, _ := floorTo(decimal.NewFromFloat(v), p.step).Float64()
	return f
}

// CeilQuantity rounds up to the lot step.
func (p *Plan) CeilQuantity(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Div(p.step).Ceil().Mul(p.step).Float64()
	return f
}

func floorTo(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Floor().Mul(step)
}

func parseIncrement(s, def string) (decimal.Decimal, error) {
	if s == "" {
		s = def
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("increment %s must be positive", s)
	}
	return d, nil
}
