package budget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// ModelPrice prices one model in credits per 1000 tokens. Credits are
// integers; the ledger never sees fractional spend.
type ModelPrice struct {
	InputCreditsPer1K  int64 `yaml:"input_credits_per_1k" json:"input_credits_per_1k"`
	OutputCreditsPer1K int64 `yaml:"output_credits_per_1k" json:"output_credits_per_1k"`
}

// defaultPrices covers the models the fleet routinely calls. Unknown
// models fall back to the most expensive known price so estimation errs
// toward over-reserving.
var defaultPrices = map[string]ModelPrice{
	"claude-sonnet-4-5": {InputCreditsPer1K: 3, OutputCreditsPer1K: 15},
	"claude-haiku-4-5":  {InputCreditsPer1K: 1, OutputCreditsPer1K: 5},
	"gpt-4o":            {InputCreditsPer1K: 3, OutputCreditsPer1K: 10},
	"gpt-4o-mini":       {InputCreditsPer1K: 1, OutputCreditsPer1K: 1},
	"gemini-2.5-pro":    {InputCreditsPer1K: 2, OutputCreditsPer1K: 10},
}

var fallbackPrice = ModelPrice{InputCreditsPer1K: 3, OutputCreditsPer1K: 15}

// estimatedPromptTokens pads the estimate when only maxTokens is known;
// a prompt of roughly this size accompanies most stage calls.
const estimatedPromptTokens = 2000

// CostCalculator estimates and reconciles the credit cost of provider
// calls. Token counting uses tiktoken where an encoding is available and
// a bytes/4 heuristic otherwise.
type CostCalculator struct {
	prices map[string]ModelPrice
	logger *zap.Logger

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCostCalculator creates a calculator. Passing nil prices uses the
// built-in table.
func NewCostCalculator(prices map[string]ModelPrice, logger *zap.Logger) *CostCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = defaultPrices
	}
	return &CostCalculator{
		prices:   prices,
		logger:   logger.With(zap.String("component", "cost_calculator")),
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// Price returns the model's price entry, falling back for unknown models.
func (c *CostCalculator) Price(model string) ModelPrice {
	if p, ok := c.prices[model]; ok {
		return p
	}
	// Prefix match tolerates dated model suffixes.
	for name, p := range c.prices {
		if strings.HasPrefix(model, name) {
			return p
		}
	}
	return fallbackPrice
}

// EstimateCost predicts the worst-case credit cost of a call from the
// request's maxTokens ceiling. Used to size reservations before the
// actual cost is known.
func (c *CostCalculator) EstimateCost(provider, model string, maxTokens int) int64 {
	if provider == "local" {
		return 0
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	p := c.Price(model)
	cost := creditsFor(estimatedPromptTokens, p.InputCreditsPer1K) + creditsFor(maxTokens, p.OutputCreditsPer1K)
	if cost < 1 {
		cost = 1
	}
	return cost
}

// EstimateCostForPrompt refines the estimate with a real token count of
// the prompt text. Without any prompt text it falls back to the padded
// worst-case estimate.
func (c *CostCalculator) EstimateCostForPrompt(provider, model, systemPrompt, userPrompt string, maxTokens int) int64 {
	if systemPrompt == "" && userPrompt == "" {
		return c.EstimateCost(provider, model, maxTokens)
	}
	if provider == "local" {
		return 0
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	promptTokens := c.CountTokens(model, systemPrompt) + c.CountTokens(model, userPrompt)
	p := c.Price(model)
	cost := creditsFor(promptTokens, p.InputCreditsPer1K) + creditsFor(maxTokens, p.OutputCreditsPer1K)
	if cost < 1 {
		cost = 1
	}
	return cost
}

// ActualCost converts reported token usage to credits.
func (c *CostCalculator) ActualCost(provider, model string, inputTokens, outputTokens int) int64 {
	if provider == "local" {
		return 0
	}
	p := c.Price(model)
	return creditsFor(inputTokens, p.InputCreditsPer1K) + creditsFor(outputTokens, p.OutputCreditsPer1K)
}

// CountTokens counts tokens in text for the given model.
func (c *CostCalculator) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// Rough heuristic: ~4 bytes per token for English-ish text.
	return (len(text) + 3) / 4
}

func (c *CostCalculator) encoder(model string) *tiktoken.Tiktoken {
	encoding := "cl100k_base"
	if strings.HasPrefix(model, "gpt-4o") || strings.HasPrefix(model, "gpt-5") {
		encoding = "o200k_base"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		c.logger.Warn("tiktoken encoding unavailable, using heuristic",
			zap.String("encoding", encoding), zap.Error(err))
		c.encoders[encoding] = nil
		return nil
	}
	c.encoders[encoding] = enc
	return enc
}

// creditsFor rounds token cost up to whole credits.
func creditsFor(tokens int, creditsPer1K int64) int64 {
	if tokens <= 0 || creditsPer1K <= 0 {
		return 0
	}
	return (int64(tokens)*creditsPer1K + 999) / 1000
}
