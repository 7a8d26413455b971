package mock

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SymbolRule declares the venue's trading rules for one symbol, loaded from
// the symbols YAML file. Amounts are decimal strings so no float ever touches
// the money path.
type SymbolRule struct {
	Symbol      string `yaml:"symbol"`
	Base        string `yaml:"base"`
	Quote       string `yaml:"quote"`
	TickSize    string `yaml:"tick_size"`
	MinNotional string `yaml:"min_notional"`
	MakerFee    string `yaml:"maker_fee"`
	TakerFee    string `yaml:"taker_fee"`
	// PriceBandPercent bounds how far a limit price may sit from the
	// reference price before validate rejects it, e.g. "0.2" = 20%.
	PriceBandPercent string `yaml:"price_band_percent"`
	// ReferencePrice seeds the opening price of the synthetic tape.
	ReferencePrice string `yaml:"reference_price"`
}

type rulesFile struct {
	Symbols []SymbolRule `yaml:"symbols"`
}

// Rules is the parsed, decimal-typed rule set keyed by symbol.
type Rules struct {
	bySymbol map[string]parsedRule
}

type parsedRule struct {
	SymbolRule
	tickSize    decimal.Decimal
	minNotional decimal.Decimal
	makerFee    decimal.Decimal
	takerFee    decimal.Decimal
	priceBand   decimal.Decimal
}

// LoadRules reads and parses the symbols YAML file.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mock: read rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("mock: parse rules %s: %w", path, err)
	}
	return ParseRules(f.Symbols)
}

// ParseRules builds a Rules from already-decoded entries; tests construct
// rule sets directly through this.
func ParseRules(entries []SymbolRule) (*Rules, error) {
	r := &Rules{bySymbol: make(map[string]parsedRule, len(entries))}
	for _, e := range entries {
		if e.Symbol == "" || e.Base == "" || e.Quote == "" {
			return nil, fmt.Errorf("mock: rule missing symbol/base/quote: %+v", e)
		}
		p := parsedRule{SymbolRule: e}
		var err error
		if p.tickSize, err = decimal.NewFromString(orDefault(e.TickSize, "0.01")); err != nil {
			return nil, fmt.Errorf("mock: rule %s tick_size: %w", e.Symbol, err)
		}
		if p.minNotional, err = decimal.NewFromString(orDefault(e.MinNotional, "10")); err != nil {
			return nil, fmt.Errorf("mock: rule %s min_notional: %w", e.Symbol, err)
		}
		if p.makerFee, err = decimal.NewFromString(orDefault(e.MakerFee, "0.001")); err != nil {
			return nil, fmt.Errorf("mock: rule %s maker_fee: %w", e.Symbol, err)
		}
		if p.takerFee, err = decimal.NewFromString(orDefault(e.TakerFee, "0.001")); err != nil {
			return nil, fmt.Errorf("mock: rule %s taker_fee: %w", e.Symbol, err)
		}
		if p.priceBand, err = decimal.NewFromString(orDefault(e.PriceBandPercent, "0.2")); err != nil {
			return nil, fmt.Errorf("mock: rule %s price_band_percent: %w", e.Symbol, err)
		}
		r.bySymbol[e.Symbol] = p
	}
	return r, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Lookup returns the parsed rule for symbol, if declared.
func (r *Rules) Lookup(symbol string) (parsedRule, bool) {
	p, ok := r.bySymbol[symbol]
	return p, ok
}

// Quote returns the quote currency for symbol, or "" if undeclared.
func (r *Rules) Quote(symbol string) string {
	if p, ok := r.bySymbol[symbol]; ok {
		return p.SymbolRule.Quote
	}
	return ""
}

// OpeningPrice returns the declared reference price for symbol, if any.
func (r *Rules) OpeningPrice(symbol string) (string, string, bool) {
	p, ok := r.bySymbol[symbol]
	if !ok || p.SymbolRule.ReferencePrice == "" {
		return "", "", false
	}
	return p.SymbolRule.ReferencePrice, p.SymbolRule.Quote, true
}

// Symbols lists every declared symbol.
func (r *Rules) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	return out
}
