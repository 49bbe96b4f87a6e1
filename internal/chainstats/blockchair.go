package chainstats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/intel-engine/internal/retry"
	"github.com/rawblock/intel-engine/pkg/models"
)

const (
	DefaultBlockchairURL = "https://api.blockchair.com"
	blockchairTimeLayout = "2006-01-02 15:04:05"
)

// blockchairChains maps chains to their API slug and native decimals.
var blockchairChains = map[models.CryptoType]struct {
	slug     string
	decimals int32
}{
	models.CryptoBTC:  {"bitcoin", 8},
	models.CryptoLTC:  {"litecoin", 8},
	models.CryptoBCH:  {"bitcoin-cash", 8},
	models.CryptoDOGE: {"dogecoin", 8},
	models.CryptoETH:  {"ethereum", 18},
}

// errRetryableStatus marks responses worth another attempt.
var errRetryableStatus = errors.New("retryable upstream status")

// Blockchair fetches address dashboards from the Blockchair REST API.
type Blockchair struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	txLimit    int
}

// NewBlockchair creates a client. baseURL defaults to the public API.
func NewBlockchair(baseURL, apiKey string) *Blockchair {
	if baseURL == "" {
		baseURL = DefaultBlockchairURL
	}
	return &Blockchair{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		txLimit:    100,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      100 * time.Millisecond,
			Classify: func(err error) retry.Class {
				if errors.Is(err, errRetryableStatus) {
					return retry.Retryable
				}
				return retry.Fatal
			},
			OnRetry: func(attempt int, wait time.Duration, err error) {
				log.Printf("[ChainStats] blockchair attempt %d failed, retrying in %s: %v", attempt, wait, err)
			},
		},
	}
}

type blockchairResponse struct {
	Data map[string]struct {
		Address struct {
			Balance            json.Number `json:"balance"`
			Received           json.Number `json:"received"`
			Spent              json.Number `json:"spent"`
			TransactionCount   int         `json:"transaction_count"`
			FirstSeenReceiving string      `json:"first_seen_receiving"`
			LastSeenReceiving  string      `json:"last_seen_receiving"`
			LastSeenSpending   string      `json:"last_seen_spending"`
		} `json:"address"`
		Transactions []struct {
			Hash          string      `json:"hash"`
			Time          string      `json:"time"`
			BalanceChange json.Number `json:"balance_change"`
		} `json:"transactions"`
	} `json:"data"`
}

func (b *Blockchair) Fetch(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error) {
	chain, ok := blockchairChains[ct]
	if !ok {
		return nil, fmt.Errorf("blockchair %s: %w", ct, ErrUnsupportedChain)
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(b.txLimit))
	q.Set("transaction_details", "true")
	if b.apiKey != "" {
		q.Set("key", b.apiKey)
	}
	endpoint := fmt.Sprintf("%s/%s/dashboards/address/%s?%s", b.baseURL, chain.slug, url.PathEscape(address), q.Encode())

	var body []byte
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		var err error
		body, err = b.get(ctx, endpoint)
		return err
	})
	if err != nil {
		return nil, err
	}

	var resp blockchairResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("blockchair: decode response: %w", err)
	}

	entry, ok := resp.Data[address]
	if !ok {
		// Blockchair may normalize the key (e.g. lowercase ETH addresses).
		for k, v := range resp.Data {
			if strings.EqualFold(k, address) {
				entry, ok = v, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("blockchair %s %s: %w", ct, address, models.ErrNotFound)
	}

	a := entry.Address
	stats := &models.ChainStats{
		Balance:          toNative(a.Balance, chain.decimals).InexactFloat64(),
		Received:         toNative(a.Received, chain.decimals).InexactFloat64(),
		Spent:            toNative(a.Spent, chain.decimals).InexactFloat64(),
		TransactionCount: a.TransactionCount,
		FirstSeen:        parseBlockchairTime(a.FirstSeenReceiving),
		LastSeen:         latest(parseBlockchairTime(a.LastSeenReceiving), parseBlockchairTime(a.LastSeenSpending)),
	}
	for _, tx := range entry.Transactions {
		amt := toNative(tx.BalanceChange, chain.decimals).Abs()
		if amt.IsZero() {
			continue
		}
		stats.Transfers = append(stats.Transfers, models.Transfer{
			Amount:    amt.String(),
			Timestamp: parseBlockchairTime(tx.Time),
		})
	}
	return stats, nil
}

func (b *Blockchair) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("blockchair: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("blockchair: %w: %v", errRetryableStatus, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("blockchair: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, fmt.Errorf("blockchair: %w", ErrQuotaExceeded)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("blockchair: %w", models.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 430 || resp.StatusCode >= 500:
		return nil, fmt.Errorf("blockchair: %w: status %d", errRetryableStatus, resp.StatusCode)
	default:
		return nil, fmt.Errorf("blockchair: unexpected status %d", resp.StatusCode)
	}
}

// toNative converts an integer amount in base units (satoshi, wei) to the
// native denomination without float rounding.
func toNative(n json.Number, decimals int32) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-decimals)
}

func parseBlockchairTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(blockchairTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
