// Package binance implements exchange.Gateway against a Binance-style venue:
// HMAC-signed REST for account and order operations, a websocket stream for
// mark price and funding.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bn-harvest-bot/internal/exchange"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	transferSpotToFutures = "MAIN_UMFUTURE"
	transferFuturesToSpot = "UMFUTURE_MAIN"
)

type Client struct {
	spotBaseURL    string
	futuresBaseURL string
	creds          Credentials
	http           *http.Client
	limiter        *rate.Limiter
	log            *zap.Logger
}

func New(spotBaseURL, futuresBaseURL string, creds Credentials, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		spotBaseURL:    strings.TrimRight(spotBaseURL, "/"),
		futuresBaseURL: strings.TrimRight(futuresBaseURL, "/"),
		creds:          creds,
		http:           &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(10), 20),
		log:            log,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) request(ctx context.Context, method, base, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	endpoint := base + path
	if signed {
		if c.creds.Empty() {
			return fmt.Errorf("api credentials are required for %s", path)
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if params.Get("recvWindow") == "" {
			params.Set("recvWindow", "5000")
		}
		query := params.Encode()
		endpoint = fmt.Sprintf("%s?%s&signature=%s", endpoint, query, c.creds.Sign(query))
	} else if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey())
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			if resp.StatusCode < 500 {
				return fmt.Errorf("%w: %s %s: code %d: %s", exchange.ErrOrderRejected, method, path, apiErr.Code, apiErr.Msg)
			}
			return fmt.Errorf("%s %s: http %d: code %d: %s", method, path, resp.StatusCode, apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) SpotBalances(ctx context.Context) ([]exchange.SpotBalance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.request(ctx, http.MethodGet, c.spotBaseURL, "/api/v3/account", nil, true, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.SpotBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, exchange.SpotBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (c *Client) FuturesAccount(ctx context.Context) (exchange.FuturesAccount, error) {
	var resp []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.request(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v2/balance", nil, true, &resp); err != nil {
		return exchange.FuturesAccount{}, err
	}
	acct := exchange.FuturesAccount{
		WalletBalance:    make(map[string]float64, len(resp)),
		AvailableBalance: make(map[string]float64, len(resp)),
	}
	for _, row := range resp {
		acct.WalletBalance[row.Asset] = parseFloat(row.Balance)
		acct.AvailableBalance[row.Asset] = parseFloat(row.AvailableBalance)
	}
	return acct, nil
}

func (c *Client) FuturesPositions(ctx context.Context) ([]exchange.FuturesPosition, error) {
	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := c.request(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v2/positionRisk", nil, true, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.FuturesPosition, 0, len(resp))
	for _, row := range resp {
		amt := parseFloat(row.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, exchange.FuturesPosition{
			Symbol:           row.Symbol,
			PositionAmt:      amt,
			EntryPrice:       parseFloat(row.EntryPrice),
			UnrealizedProfit: parseFloat(row.UnrealizedProfit),
			Leverage:         parseFloat(row.Leverage),
		})
	}
	return out, nil
}

func (c *Client) PremiumIndexes(ctx context.Context) ([]exchange.PremiumIndex, error) {
	var resp []struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.request(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v1/premiumIndex", nil, false, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.PremiumIndex, 0, len(resp))
	for _, row := range resp {
		out = append(out, exchange.PremiumIndex{
			Symbol:          row.Symbol,
			MarkPrice:       parseFloat(row.MarkPrice),
			FundingRate:     parseFloat(row.LastFundingRate),
			NextFundingTime: time.UnixMilli(row.NextFundingTime).UTC(),
		})
	}
	return out, nil
}

func (c *Client) SpotPrices(ctx context.Context) (map[string]float64, error) {
	var resp []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.request(ctx, http.MethodGet, c.spotBaseURL, "/api/v3/ticker/price", nil, false, &resp); err != nil {
		return nil, err
	}
	prices := make(map[string]float64, len(resp))
	for _, row := range resp {
		prices[row.Symbol] = parseFloat(row.Price)
	}
	return prices, nil
}

func (c *Client) Volumes24h(ctx context.Context) (map[string]float64, error) {
	var resp []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := c.request(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v1/ticker/24hr", nil, false, &resp); err != nil {
		return nil, err
	}
	volumes := make(map[string]float64, len(resp))
	for _, row := range resp {
		volumes[row.Symbol] = parseFloat(row.QuoteVolume)
	}
	return volumes, nil
}

func (c *Client) SpotSymbols(ctx context.Context) (map[string]bool, error) {
	var resp struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := c.request(ctx, http.MethodGet, c.spotBaseURL, "/api/v3/exchangeInfo", nil, false, &resp); err != nil {
		return nil, err
	}
	symbols := make(map[string]bool, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status == "TRADING" {
			symbols[s.Symbol] = true
		}
	}
	return symbols, nil
}

func (c *Client) PlaceSpotMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty, quoteQty float64) (exchange.SpotOrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	if quoteQty > 0 {
		params.Set("quoteOrderQty", formatQty(quoteQty))
	} else {
		params.Set("quantity", formatQty(qty))
	}
	var resp struct {
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := c.request(ctx, http.MethodPost, c.spotBaseURL, "/api/v3/order", params, true, &resp); err != nil {
		return exchange.SpotOrderResult{}, err
	}
	return exchange.SpotOrderResult{
		ExecutedQty:         parseFloat(resp.ExecutedQty),
		CummulativeQuoteQty: parseFloat(resp.CummulativeQuoteQty),
	}, nil
}

func (c *Client) PlaceFuturesMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.FuturesOrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatQty(qty))
	var resp struct {
		ExecutedQty string `json:"executedQty"`
	}
	if err := c.request(ctx, http.MethodPost, c.futuresBaseURL, "/fapi/v1/order", params, true, &resp); err != nil {
		return exchange.FuturesOrderResult{}, err
	}
	return exchange.FuturesOrderResult{ExecutedQty: parseFloat(resp.ExecutedQty)}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.request(ctx, http.MethodPost, c.futuresBaseURL, "/fapi/v1/leverage", params, true, nil)
}

func (c *Client) Transfer(ctx context.Context, asset string, amount float64, from, to exchange.Wallet) error {
	transferType := ""
	switch {
	case from == exchange.WalletSpot && to == exchange.WalletFutures:
		transferType = transferSpotToFutures
	case from == exchange.WalletFutures && to == exchange.WalletSpot:
		transferType = transferFuturesToSpot
	default:
		return fmt.Errorf("unsupported transfer %s -> %s", from, to)
	}
	params := url.Values{}
	params.Set("type", transferType)
	params.Set("asset", asset)
	params.Set("amount", strconv.FormatFloat(amount, 'f', 8, 64))
	return c.request(ctx, http.MethodPost, c.spotBaseURL, "/sapi/v1/asset/transfer", params, true, nil)
}

func (c *Client) LotSizeRule(ctx context.Context, symbol string) (exchange.LotSizeRule, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.request(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v1/exchangeInfo", params, false, &resp); err != nil {
		return exchange.LotSizeRule{}, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				return exchange.LotSizeRule{
					MinQty:   parseFloat(f.MinQty),
					MaxQty:   parseFloat(f.MaxQty),
					StepSize: parseFloat(f.StepSize),
				}, nil
			}
		}
	}
	return exchange.LotSizeRule{}, fmt.Errorf("lot size filter not found for %s", symbol)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
