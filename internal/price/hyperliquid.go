package price

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/resilient"
)

// DefaultHyperliquidURL is the mainnet info API base.
const DefaultHyperliquidURL = "https://api.hyperliquid.xyz"

// Hyperliquid quotes mid prices from the info endpoint. allMids carries no
// timestamp, so quotes are stamped with the receive time.
type Hyperliquid struct {
	BaseURL string
	// Coins maps asset symbols to Hyperliquid coin names.
	Coins map[string]string
	HTTP  *http.Client
	now   func() time.Time
}

func NewHyperliquid(coins map[string]string) *Hyperliquid {
	return &Hyperliquid{
		BaseURL: DefaultHyperliquidURL,
		Coins:   coins,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

func (h *Hyperliquid) Quote(ctx context.Context, asset string) (Quote, error) {
	coin, ok := h.Coins[asset]
	if !ok {
		return Quote{}, resilient.Permanent(fmt.Errorf("%w: %s", ErrUnsupported, asset))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(h.BaseURL, "/")+"/info", bytes.NewBufferString(`{"type":"allMids"}`))
	if err != nil {
		return Quote{}, resilient.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var mids map[string]decimal.Decimal
	if err := doJSON(h.HTTP, req, &mids); err != nil {
		return Quote{}, err
	}
	mid, ok := mids[coin]
	if !ok || !mid.IsPositive() {
		return Quote{}, resilient.Permanent(fmt.Errorf("%w: hyperliquid %s", ErrNoQuote, coin))
	}

	now := time.Now
	if h.now != nil {
		now = h.now
	}
	return Quote{Asset: asset, Price: mid, QuotedAt: now().UTC(), Source: h.Name()}, nil
}
