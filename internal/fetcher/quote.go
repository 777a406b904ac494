package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"twapguard/internal/twap"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// QuoteOptions parameterise the CoW Protocol quote source.
type QuoteOptions struct {
	BaseURL      string
	PriceQuality string
	Notional     decimal.Decimal
	BaseDecimals int32
	Scale        Scale
	Timeout      time.Duration
	UserAgent    string
	SellToken    string
	BuyToken     string
	Now          func() time.Time
}

// Quote samples a pair by requesting a sell quote for a fixed notional.
type Quote struct {
	opts    QuoteOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewQuote constructs a quote source.
func NewQuote(opts QuoteOptions, logger zerolog.Logger) *Quote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	return &Quote{
		opts:    opts,
		logger:  logger.With().Str("component", "quote_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchSamples returns one sample per call, ticked by unix seconds.
func (q *Quote) FetchSamples(ctx context.Context, cursor Cursor) ([]twap.Sample, Cursor, error) {
	if !q.opts.Notional.IsPositive() {
		return nil, cursor, errors.New("notional must be greater than zero")
	}
	if q.opts.SellToken == "" || q.opts.BuyToken == "" {
		return nil, cursor, errors.New("sellToken and buyToken addresses required")
	}

	sellAtoms := q.opts.Notional.Shift(q.opts.BaseDecimals).Round(0)
	if sellAtoms.IsZero() {
		return nil, cursor, errors.New("sell amount rounded to zero")
	}

	now := q.opts.Now()
	reqPayload := quoteRequest{
		SellToken:           q.opts.SellToken,
		BuyToken:            q.opts.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"twapguard","metadata":{}}`,
		PriceQuality:        q.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(now.Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, cursor, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return nil, cursor, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(q.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "twapguard/1.0")
	}
	req.Header.Set("X-AppId", "twapguard")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cursor, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cursor, parseHTTPError(resp.StatusCode, payload)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return nil, cursor, fmt.Errorf("%w: decode quote: %v", twap.ErrInvalidSample, err)
	}

	buyAtoms, err := parseDecimal(quoteRes.Quote.BuyAmount)
	if err != nil {
		return nil, cursor, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return nil, cursor, fmt.Errorf("%w: buy amount returned zero", twap.ErrInvalidSample)
	}

	tick := uint64(now.Unix())
	sample, err := q.opts.Scale.Sample(sellAtoms.BigInt(), buyAtoms.Truncate(0).BigInt(), tick)
	if err != nil {
		return nil, cursor, err
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = q.opts.PriceQuality
	}
	q.logger.Debug().Str("quality", quality).Str("price", sample.Price.Dec()).Uint64("tick", tick).Msg("quote sampled")

	return []twap.Sample{sample}, Cursor(tick), nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ SampleSource = (*Quote)(nil)
