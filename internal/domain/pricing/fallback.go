package pricing

import "math"

// fallbackRate is a compiled-in price used when the operator rate table has
// no row for a model. Token prices are USD per million units, flat prices
// micro-USD per run.
type fallbackRate struct {
	inputUSDPerMillion  float64
	outputUSDPerMillion float64
	flatRunMicros       int64
}

func (f fallbackRate) cost(req Request) int64 {
	if req.PerRun {
		return f.flatRunMicros
	}
	in := float64(req.InputUnits) * f.inputUSDPerMillion
	out := float64(req.OutputUnits) * f.outputUSDPerMillion
	return int64(math.Round(in + out))
}

// fallbackRates mirrors published provider list prices. Operator rate rows
// always take precedence; this table only keeps billing alive for models
// added before the rate table catches up.
var fallbackRates = map[string]fallbackRate{
	"gpt-4o":                 {inputUSDPerMillion: 2.5, outputUSDPerMillion: 10},
	"gpt-4o-mini":            {inputUSDPerMillion: 0.15, outputUSDPerMillion: 0.6},
	"claude-3-5-sonnet":      {inputUSDPerMillion: 3, outputUSDPerMillion: 15},
	"claude-3-haiku":         {inputUSDPerMillion: 0.25, outputUSDPerMillion: 1.25},
	"gemini-1.5-pro":         {inputUSDPerMillion: 1.25, outputUSDPerMillion: 5},
	"text-embedding-3-small": {inputUSDPerMillion: 0.02},
	"dall-e-3":               {flatRunMicros: 40000},
}
