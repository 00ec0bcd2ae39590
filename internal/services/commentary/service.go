// Package commentary produces natural-language valuation summaries. Text is
// generated by the configured LLM when one is available and falls back to a
// deterministic report built from the same inputs when it is not. Generated
// text is cached by content hash so repeated requests for unchanged inputs
// never hit the model twice.
package commentary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mstrand/appraise/internal/common"
	"github.com/mstrand/appraise/internal/interfaces"
	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/ratelimit"
)

const (
	// FallbackModel identifies deterministically generated text.
	FallbackModel = "fallback"

	DefaultRPMPerIP     = 6
	DefaultRPMPerSymbol = 3

	generateTimeout = 25 * time.Second
)

// RateLimitedError reports that a caller or symbol bucket is exhausted.
type RateLimitedError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("commentary rate limit exceeded for %s, retry after %s", e.Bucket, e.RetryAfter)
}

// Service implements CommentaryService.
type Service struct {
	llm    interfaces.LLMClient
	store  interfaces.CommentaryStore
	gate   *ratelimit.Gate
	logger *common.Logger

	ttl          time.Duration
	rpmPerIP     int
	rpmPerSymbol int
}

// NewService creates a commentary service. llm may be nil; every request then
// resolves through the fallback report.
func NewService(llm interfaces.LLMClient, store interfaces.CommentaryStore, gate *ratelimit.Gate, cfg *common.Config, logger *common.Logger) *Service {
	s := &Service{
		llm:          llm,
		store:        store,
		gate:         gate,
		logger:       logger,
		ttl:          common.FreshnessCommentary,
		rpmPerIP:     DefaultRPMPerIP,
		rpmPerSymbol: DefaultRPMPerSymbol,
	}
	if cfg != nil {
		s.ttl = cfg.LLM.TTL()
		if cfg.LLM.RPMPerIP > 0 {
			s.rpmPerIP = cfg.LLM.RPMPerIP
		}
		if cfg.LLM.RPMPerSymbol > 0 {
			s.rpmPerSymbol = cfg.LLM.RPMPerSymbol
		}
	}
	return s
}

// Generate returns commentary for the request. Cache hits bypass the rate
// buckets entirely; only candidate model calls consume tokens.
func (s *Service) Generate(ctx context.Context, req *models.CommentaryRequest, callerIP string) (*models.CommentaryResponse, error) {
	if req == nil || strings.TrimSpace(req.Symbol) == "" {
		return nil, fmt.Errorf("commentary request requires a symbol")
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	hash := contentHash(symbol, req)
	if s.store != nil {
		if text, model, ok, err := s.store.Get(ctx, hash); err != nil {
			s.logger.Warn().Str("symbol", symbol).Err(err).Msg("Commentary cache read failed")
		} else if ok {
			return &models.CommentaryResponse{Commentary: text, ModelUsed: model, Cached: true}, nil
		}
	}

	if callerIP != "" && !s.gate.Acquire("llm:ip:"+callerIP, s.rpmPerIP) {
		return nil, &RateLimitedError{Bucket: "ip", RetryAfter: time.Minute / time.Duration(max(s.rpmPerIP, 1))}
	}
	if !s.gate.Acquire("llm:sym:"+symbol, s.rpmPerSymbol) {
		return nil, &RateLimitedError{Bucket: "symbol", RetryAfter: time.Minute / time.Duration(max(s.rpmPerSymbol, 1))}
	}

	text, model := s.generate(ctx, symbol, req)

	if s.store != nil {
		if err := s.store.Put(ctx, hash, symbol, text, model, s.ttl); err != nil {
			s.logger.Warn().Str("symbol", symbol).Err(err).Msg("Commentary cache write failed")
		}
	}

	return &models.CommentaryResponse{Commentary: text, ModelUsed: model, Cached: false}, nil
}

// generate tries the LLM first and degrades to the deterministic report on
// any failure or empty reply.
func (s *Service) generate(ctx context.Context, symbol string, req *models.CommentaryRequest) (text, model string) {
	if s.llm != nil {
		genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
		defer cancel()

		out, err := s.llm.GenerateCommentary(genCtx, buildPrompt(symbol, req))
		if err != nil {
			s.logger.Warn().Str("symbol", symbol).Err(err).Msg("LLM generation failed, using fallback report")
		} else if strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), s.llm.Model()
		}
	}
	return fallbackReport(symbol, req), FallbackModel
}

// contentHash derives a stable key from the generation inputs. json.Marshal
// sorts map keys, so identical inputs always hash identically.
func contentHash(symbol string, req *models.CommentaryRequest) string {
	payload, _ := json.Marshal(struct {
		Symbol    string                  `json:"symbol"`
		PriceNow  float64                 `json:"priceNow"`
		Category  string                  `json:"category"`
		Metric    models.MetricsBag       `json:"metric"`
		Valuation *models.ValuationResult `json:"valuation"`
	}{symbol, req.PriceNow, req.Category, req.Metric, req.Valuation})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// buildPrompt shapes the generation request for the model.
func buildPrompt(symbol string, req *models.CommentaryRequest) string {
	var b strings.Builder
	b.WriteString("You are an equity analyst. Write a short, neutral valuation commentary ")
	b.WriteString("in markdown for the stock below. Two or three paragraphs, no headline, ")
	b.WriteString("no investment advice.\n\n")
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	fmt.Fprintf(&b, "Current price: %.2f\n", req.PriceNow)
	if req.Category != "" {
		fmt.Fprintf(&b, "Cap band: %s\n", req.Category)
	}
	if len(req.Metric) > 0 {
		metric, _ := json.Marshal(req.Metric)
		fmt.Fprintf(&b, "Metrics: %s\n", metric)
	}
	if req.Valuation != nil {
		val, _ := json.Marshal(req.Valuation)
		fmt.Fprintf(&b, "Valuation result: %s\n", val)
	}
	return b.String()
}

// fallbackReport renders a deterministic markdown summary from the valuation
// result. Same inputs always produce the same text.
func fallbackReport(symbol string, req *models.CommentaryRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s Valuation Summary\n\n", symbol)
	fmt.Fprintf(&b, "Current price: %s\n\n", formatMoney(req.PriceNow))

	v := req.Valuation
	if v == nil {
		b.WriteString("No valuation result was supplied, so only the quoted price is available.\n")
		return b.String()
	}

	if v.Blended.Base != nil {
		fmt.Fprintf(&b, "The blended fair-value estimate is %s", formatMoney(*v.Blended.Base))
		if v.Blended.Low != nil && v.Blended.High != nil {
			fmt.Fprintf(&b, " (range %s to %s)", formatMoney(*v.Blended.Low), formatMoney(*v.Blended.High))
		}
		b.WriteString(".\n\n")
	} else {
		b.WriteString("No blended fair-value estimate could be computed from the available metrics.\n\n")
	}

	var available []string
	for _, m := range v.Methods {
		if m.Available && m.Base != nil {
			available = append(available, fmt.Sprintf("%s %s", strings.ToUpper(m.Key), formatMoney(*m.Base)))
		}
	}
	if len(available) > 0 {
		fmt.Fprintf(&b, "Method estimates: %s.\n\n", strings.Join(available, ", "))
	}

	switch {
	case v.MoS.Pass == nil:
		fmt.Fprintf(&b, "The margin-of-safety check (%.0f%% required discount) could not be evaluated.\n", v.MoS.Threshold*100)
	case *v.MoS.Pass:
		fmt.Fprintf(&b, "The price clears the required %.0f%% margin of safety.\n", v.MoS.Threshold*100)
	default:
		fmt.Fprintf(&b, "The price does not clear the required %.0f%% margin of safety.\n", v.MoS.Threshold*100)
	}

	if len(v.Warnings) > 0 {
		b.WriteString("\nCaveats:\n")
		for _, w := range v.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	return b.String()
}

func formatMoney(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

// Ensure Service implements CommentaryService
var _ interfaces.CommentaryService = (*Service)(nil)
