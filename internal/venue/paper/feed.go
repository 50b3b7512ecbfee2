package paper

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// FeedConfig shapes the synthetic market.
type FeedConfig struct {
	StartPrices   map[string]float64 // by canonical symbol; missing symbols start at 100
	VolatilityBps float64            // stddev of the per-step mid return
	SpreadBps     float64            // quoted spread around each venue's mid
	Levels        int                // depth per side
	LevelQty      float64            // quantity at the top level, growing with depth
	Seed          uint64
}

// Feed drives a shared random-walk mid price into every registered paper
// venue. Each venue quotes around the mid with its own small dislocation so
// the best venue moves around, and resting limit orders cross as the book
// moves.
type Feed struct {
	cfg     FeedConfig
	symbols []string
	venues  []*Exchange
	logger  *slog.Logger

	mu   sync.Mutex
	mids map[string]float64
	rng  *rand.Rand
}

// NewFeed creates a feed for symbols across venues.
func NewFeed(cfg FeedConfig, symbols []string, venues []*Exchange, logger *slog.Logger) *Feed {
	if cfg.VolatilityBps <= 0 {
		cfg.VolatilityBps = 5
	}
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 4
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 10
	}
	if cfg.LevelQty <= 0 {
		cfg.LevelQty = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	mids := make(map[string]float64, len(symbols))
	canon := make([]string, 0, len(symbols))
	for _, s := range symbols {
		key := domain.CanonicalSymbol(s)
		canon = append(canon, key)
		mids[key] = 100
		if px, ok := cfg.StartPrices[key]; ok && px > 0 {
			mids[key] = px
		}
	}
	return &Feed{
		cfg:     cfg,
		symbols: canon,
		venues:  venues,
		logger:  logger.With(slog.String("component", "paper_feed")),
		mids:    mids,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Mid returns the current reference mid for symbol.
func (f *Feed) Mid(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mids[domain.CanonicalSymbol(symbol)]
}

// Step advances every symbol one tick and republishes all venue books. It
// returns the number of resting orders that filled.
func (f *Feed) Step() int {
	type quote struct {
		symbol     string
		bids, asks []domain.PriceLevel
	}
	var quotes [][]quote

	f.mu.Lock()
	sigma := f.cfg.VolatilityBps / 1e4
	for _, sym := range f.symbols {
		// Returns are capped so a bad draw cannot wipe out the price.
		ret := math.Max(-0.05, math.Min(0.05, sigma*f.rng.NormFloat64()))
		f.mids[sym] *= 1 + ret
	}
	for range f.venues {
		qs := make([]quote, 0, len(f.symbols))
		for _, sym := range f.symbols {
			// Venue mids wander within half a spread of the reference.
			skew := (f.rng.Float64() - 0.5) * f.cfg.SpreadBps / 1e4
			bids, asks := f.ladder(f.mids[sym] * (1 + skew))
			qs = append(qs, quote{symbol: sym, bids: bids, asks: asks})
		}
		quotes = append(quotes, qs)
	}
	f.mu.Unlock()

	filled := 0
	for i, ex := range f.venues {
		for _, q := range quotes[i] {
			ex.SetBook(q.symbol, q.bids, q.asks)
			filled += len(ex.Cross(q.symbol))
		}
	}
	return filled
}

func (f *Feed) ladder(mid float64) (bids, asks []domain.PriceLevel) {
	half := mid * f.cfg.SpreadBps / 2e4
	tick := mid * f.cfg.SpreadBps / 1e4
	bids = make([]domain.PriceLevel, f.cfg.Levels)
	asks = make([]domain.PriceLevel, f.cfg.Levels)
	for i := range f.cfg.Levels {
		qty := f.cfg.LevelQty * float64(i+1) * (0.5 + f.rng.Float64())
		bids[i] = domain.PriceLevel{Price: mid - half - float64(i)*tick, Quantity: qty}
		asks[i] = domain.PriceLevel{Price: mid + half + float64(i)*tick, Quantity: qty}
	}
	return bids, asks
}

// Run steps every interval until ctx is done.
func (f *Feed) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	f.Step()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f.logger.Info("paper feed started",
		slog.Int("symbols", len(f.symbols)),
		slog.Int("venues", len(f.venues)),
		slog.Duration("interval", interval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := f.Step(); n > 0 {
				f.logger.Debug("resting orders crossed", slog.Int("fills", n))
			}
		}
	}
}
