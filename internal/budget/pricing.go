package budget

import "github.com/soyeahso/agentcron/internal/config"

const perMillion = 1_000_000.0

// SetPrices swaps the model price table.
func (l *Ledger) SetPrices(doc config.ModelsDocument) {
	models := make(map[string]config.ModelSpec, len(doc.Models))
	for k, v := range doc.Models {
		models[k] = v
	}
	if doc.Default.Input == 0 && doc.Default.Output == 0 {
		doc.Default = config.ModelPrice{Input: config.FallbackInputPrice, Output: config.FallbackOutputPrice}
	}

	l.mu.Lock()
	l.prices = config.ModelsDocument{Default: doc.Default, Models: models}
	l.mu.Unlock()

	l.log.Info().Int("models", len(models)).Msg("price table updated")
}

// Price computes the USD cost of a completion. Unknown models are priced at
// the table's default rate rather than failing.
func (l *Ledger) Price(model string, inputTokens, outputTokens int) float64 {
	in, out, known := l.rates(model)
	if !known {
		l.log.Debug().Str("model", model).Msg("unknown model, using default rate")
	}
	return float64(inputTokens)*in/perMillion + float64(outputTokens)*out/perMillion
}

// ResolveModel maps a short model name to its provider id. Names not in the
// table are returned unchanged.
func (l *Ledger) ResolveModel(model string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if spec, ok := l.prices.Models[model]; ok {
		return spec.ID
	}
	return model
}

func (l *Ledger) rates(model string) (input, output float64, known bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if spec, ok := l.prices.Models[model]; ok {
		return spec.Input, spec.Output, true
	}
	for _, spec := range l.prices.Models {
		if spec.ID == model {
			return spec.Input, spec.Output, true
		}
	}
	return l.prices.Default.Input, l.prices.Default.Output, false
}
