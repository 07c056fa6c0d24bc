package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource 通过 HTTP GET {BaseURL}?ids=a,b 拉取价格。
// 响应可以是 {"a":1.23} 或 {"data":{"a":{"price":"1.23"}}}，价格允许为字符串。
type HTTPSource struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
}

// NewHTTPSource 带超时客户端和每秒 5 次的限速
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Limiter:    NewTokenBucket(5, 5),
	}
}

type priceEntry struct {
	Price json.Number `json:"price"`
}

func (s *HTTPSource) Prices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	if s == nil || s.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	if len(tokenIDs) == 0 {
		return map[string]float64{}, nil
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bad price url: %w", err)
	}
	q := u.Query()
	q.Set("ids", strings.Join(tokenIDs, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("price request status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	return parsePriceTable(raw, tokenIDs)
}

func parsePriceTable(raw map[string]json.RawMessage, tokenIDs []string) (map[string]float64, error) {
	if data, ok := raw["data"]; ok {
		var nested map[string]*priceEntry
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, fmt.Errorf("decode price data: %w", err)
		}
		out := make(map[string]float64, len(tokenIDs))
		for _, id := range tokenIDs {
			e := nested[id]
			if e == nil || e.Price == "" {
				continue
			}
			p, err := e.Price.Float64()
			if err != nil {
				return nil, fmt.Errorf("price of %s: %w", id, err)
			}
			out[id] = p
		}
		return out, nil
	}

	out := make(map[string]float64, len(tokenIDs))
	for _, id := range tokenIDs {
		v, ok := raw[id]
		if !ok || string(v) == "null" {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("price of %s: %w", id, err)
		}
		p, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("price of %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}
