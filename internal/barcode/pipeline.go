package barcode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result is what one burst produced. Admitted codes are ready for catalog
// lookup in scan order.
type Result struct {
	Admitted   []string
	Suppressed []string
	Rejected   int
}

// Empty reports whether the burst yielded nothing usable.
func (r Result) Empty() bool {
	return len(r.Admitted) == 0 && len(r.Suppressed) == 0
}

// Pipeline ingests bursts for one sales session.
type Pipeline struct {
	window Window
	logger *zap.Logger
}

func NewPipeline(window Window, logger *zap.Logger) *Pipeline {
	if window == nil {
		window = NewMemoryWindow(DefaultDedupWindow)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{window: window, logger: logger}
}

// Ingest splits, cleans and deduplicates one burst. Malformed fragments and
// duplicates are reported in the Result; only a failing Window yields an
// error.
func (p *Pipeline) Ingest(ctx context.Context, raw string, now time.Time) (Result, error) {
	var res Result

	candidates, strategy := splitWith(Strategies, raw)
	for _, candidate := range candidates {
		code := CleanAndValidate(candidate.Raw)
		if code == "" {
			res.Rejected++
			continue
		}

		outcome, err := p.window.Admit(ctx, code, now)
		if err != nil {
			return res, fmt.Errorf("dedup window: %w", err)
		}
		if outcome == DuplicateSuppressed {
			p.logger.Debug("duplicate scan suppressed", zap.String("code", code))
			res.Suppressed = append(res.Suppressed, code)
			continue
		}
		res.Admitted = append(res.Admitted, code)
	}

	if len(candidates) > 1 {
		p.logger.Debug("burst split",
			zap.String("strategy", strategy),
			zap.Int("candidates", len(candidates)),
			zap.Int("rejected", res.Rejected))
	}
	return res, nil
}
