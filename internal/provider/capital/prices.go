package capital

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bar-backfill/internal/model"
)

// requestTimeLayout is the provider's from/to format (UTC, no zone suffix).
const requestTimeLayout = "2006-01-02T15:04:05"

// pricesQuery builds the query for GET /prices/{epic}.
func (c *Client) pricesQuery(res model.Resolution, from, to time.Time) url.Values {
	q := url.Values{}
	q.Set("resolution", string(res))
	q.Set("from", from.UTC().Format(requestTimeLayout))
	q.Set("to", to.UTC().Format(requestTimeLayout))
	q.Set("max", strconv.Itoa(c.maxBars))
	return q
}

// FetchPage fetches bars of pair within [from, to]. A 404 or an empty prices
// array both yield an empty page. Invalid samples are reported in Dropped.
func (c *Client) FetchPage(ctx context.Context, pair model.Pair, from, to time.Time) (model.BarPage, error) {
	path := "/prices/" + url.PathEscape(pair.Instrument)
	resp, err := c.Request(ctx, http.MethodGet, path, c.pricesQuery(pair.Resolution, from, to), nil)
	if err != nil {
		return model.BarPage{}, err
	}
	if resp.Empty {
		return model.BarPage{}, nil
	}
	var pr pricesResponse
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return model.BarPage{}, &RequestError{Kind: KindFatal, Method: http.MethodGet, Path: path, Status: resp.Status, Err: fmt.Errorf("parse JSON: %w", err)}
	}
	return decodePrices(pair, pr.Prices), nil
}

// ListMarkets downloads the market catalogue.
func (c *Client) ListMarkets(ctx context.Context) ([]model.Market, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/markets", nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Empty {
		return nil, nil
	}
	var mr marketsResponse
	if err := json.Unmarshal(resp.Body, &mr); err != nil {
		return nil, &RequestError{Kind: KindFatal, Method: http.MethodGet, Path: "/markets", Status: resp.Status, Err: fmt.Errorf("parse JSON: %w", err)}
	}
	markets := make([]model.Market, 0, len(mr.Markets))
	seen := make(map[string]bool, len(mr.Markets))
	for _, m := range mr.Markets {
		if m.Epic == "" || seen[m.Epic] {
			continue
		}
		seen[m.Epic] = true
		markets = append(markets, m)
	}
	return markets, nil
}
