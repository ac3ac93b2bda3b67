package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/resilient"
)

// DefaultCoinGeckoURL is the public API base.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko quotes through the simple/price endpoint.
type CoinGecko struct {
	BaseURL string
	// APIKey is sent as the demo-plan header when set.
	APIKey string
	// IDs maps asset symbols to CoinGecko coin ids.
	IDs  map[string]string
	HTTP *http.Client
}

// NewCoinGecko creates a quoter with the default base URL.
func NewCoinGecko(apiKey string, ids map[string]string) *CoinGecko {
	return &CoinGecko{
		BaseURL: DefaultCoinGeckoURL,
		APIKey:  apiKey,
		IDs:     ids,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

type coinGeckoEntry struct {
	USD           *decimal.Decimal `json:"usd"`
	LastUpdatedAt int64            `json:"last_updated_at"`
}

func (c *CoinGecko) Quote(ctx context.Context, asset string) (Quote, error) {
	id, ok := c.IDs[asset]
	if !ok {
		return Quote{}, resilient.Permanent(fmt.Errorf("%w: %s", ErrUnsupported, asset))
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.BaseURL, "/")+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, resilient.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-CG-Demo-API-Key", c.APIKey)
	}

	var body map[string]coinGeckoEntry
	if err := doJSON(c.HTTP, req, &body); err != nil {
		return Quote{}, err
	}
	entry, ok := body[id]
	if !ok || entry.USD == nil || !entry.USD.IsPositive() {
		return Quote{}, resilient.Permanent(fmt.Errorf("%w: coingecko %s", ErrNoQuote, id))
	}

	quotedAt := time.Now().UTC()
	if entry.LastUpdatedAt > 0 {
		quotedAt = time.Unix(entry.LastUpdatedAt, 0).UTC()
	}
	return Quote{Asset: asset, Price: *entry.USD, QuotedAt: quotedAt, Source: c.Name()}, nil
}

// doJSON executes req and decodes a 2xx JSON body into out. Client errors
// other than 429 are permanent.
func doJSON(hc *http.Client, req *http.Request, out any) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("price: %s returned %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilient.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilient.Permanent(fmt.Errorf("price: decode %s: %w", req.URL.Host, err))
	}
	return nil
}
