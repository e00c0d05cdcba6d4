package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 2 * time.Second
	defaultRate    = 20 // requests per second
	maxBodyBytes   = 64 << 10
)

// HTTPOracle reads quotes and resolution reports from the price-feed REST
// API. Every request is rate limited and bounded by a timeout so a stalled
// feed cannot hold a caller indefinitely.
type HTTPOracle struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTPOracle creates a client for baseURL. timeout <= 0 and ratePerSec
// <= 0 select defaults.
func NewHTTPOracle(baseURL string, timeout time.Duration, ratePerSec float64) *HTTPOracle {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if ratePerSec <= 0 {
		ratePerSec = defaultRate
	}
	return &HTTPOracle{
		http:    &http.Client{Timeout: timeout},
		base:    strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LatestPrice handles GET {base}/markets/{id}/price.
//
// Expected payload: {"price": 0.53 | "0.53", "source": "live"}.
func (o *HTTPOracle) LatestPrice(ctx context.Context, marketID string) (Quote, error) {
	raw, err := o.get(ctx, "/markets/"+url.PathEscape(marketID)+"/price")
	if err != nil {
		return Quote{}, err
	}

	price, ok := decimalField(raw, "price")
	if !ok || !validPrice(price) {
		return Quote{}, fmt.Errorf("%w: price for %s: %v", ErrMalformedPayload, marketID, raw["price"])
	}

	return Quote{
		MarketID: marketID,
		Price:    price,
		Source:   ParseSource(stringField(raw, "source")),
		At:       o.now(),
	}, nil
}

// ResolutionStatus handles GET {base}/markets/{id}/resolution.
//
// Expected payload: {"resolved": bool, "closed": bool,
// "resolution_price": 1 | "1" | null, "winning_outcome": "YES", "source": "oracle"}.
func (o *HTTPOracle) ResolutionStatus(ctx context.Context, marketID string) (Resolution, error) {
	raw, err := o.get(ctx, "/markets/"+url.PathEscape(marketID)+"/resolution")
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{
		MarketID:  marketID,
		Source:    ParseSource(stringField(raw, "source")),
		CheckedAt: o.now(),
	}

	var ok bool
	if res.IsResolved, ok = boolField(raw, "resolved"); !ok {
		return Resolution{}, fmt.Errorf("%w: resolved flag for %s", ErrMalformedPayload, marketID)
	}
	res.IsClosed, _ = boolField(raw, "closed")

	if v, present := raw["resolution_price"]; present && v != nil {
		p, ok := decimalField(raw, "resolution_price")
		if !ok || !validPrice(p) {
			return Resolution{}, fmt.Errorf("%w: resolution price for %s: %v", ErrMalformedPayload, marketID, v)
		}
		res.ResolutionPrice = &p
	}

	switch outcome := strings.ToUpper(stringField(raw, "winning_outcome")); outcome {
	case "", "YES", "NO":
		res.WinningOutcome = outcome
	default:
		return Resolution{}, fmt.Errorf("%w: winning outcome %q for %s", ErrMalformedPayload, outcome, marketID)
	}

	return res, nil
}

// get performs a rate-limited GET and decodes the body as an untyped JSON
// object. Typing happens in the callers.
func (o *HTTPOracle) get(ctx context.Context, path string) (map[string]any, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("oracle read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrMarketUnknown)
	case resp.StatusCode != http.StatusOK:
		slog.Warn("oracle non-200", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("oracle GET %s: status %d", path, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty object", ErrMalformedPayload)
	}
	return raw, nil
}

// decimalField accepts a JSON number or numeric string.
func decimalField(raw map[string]any, key string) (decimal.Decimal, bool) {
	switch v := raw[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		p, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, false
		}
		return p, true
	default:
		return decimal.Zero, false
	}
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// boolField accepts a JSON bool or a "true"/"false" string.
func boolField(raw map[string]any, key string) (bool, bool) {
	switch v := raw[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}
