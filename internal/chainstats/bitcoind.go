package chainstats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"

	"github.com/rawblock/intel-engine/pkg/models"
)

// BitcoindConfig points at a Bitcoin Core node.
type BitcoindConfig struct {
	Host string
	User string
	Pass string
}

// headerSource is the slice of rpcclient.Client used to date UTXOs.
type headerSource interface {
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
}

// Bitcoind derives address statistics from the node's UTXO set with
// scantxoutset. Only unspent outputs are visible, so Spent and
// Counterparties stay empty and TransactionCount counts funding outputs.
type Bitcoind struct {
	cfg        BitcoindConfig
	rpc        *rpcclient.Client
	headers    headerSource
	httpClient *http.Client
	params     *chaincfg.Params

	// scantxoutset refuses concurrent scans ("-8: Scan already in progress").
	scanMu sync.Mutex

	timeMu     sync.Mutex
	blockTimes map[int64]time.Time
}

// NewBitcoind connects to the node and verifies it answers.
func NewBitcoind(cfg BitcoindConfig) (*Bitcoind, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}

	log.Printf("[ChainStats] Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("[ChainStats] Connected to Bitcoin node at height %d", blockCount)

	return &Bitcoind{
		cfg:        cfg,
		rpc:        client,
		headers:    client,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		params:     &chaincfg.MainNetParams,
		blockTimes: make(map[int64]time.Time),
	}, nil
}

// Shutdown closes the RPC client.
func (b *Bitcoind) Shutdown() {
	if b.rpc != nil {
		b.rpc.Shutdown()
	}
}

type scanTxOutResult struct {
	Success     bool        `json:"success"`
	Height      int64       `json:"height"`
	Unspents    []scanTxOut `json:"unspents"`
	TotalAmount float64     `json:"total_amount"`
}

type scanTxOut struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"vout"`
	Amount float64 `json:"amount"`
	Height int64   `json:"height"`
}

func (b *Bitcoind) Fetch(ctx context.Context, address string, ct models.CryptoType) (*models.ChainStats, error) {
	if ct != models.CryptoBTC {
		return nil, fmt.Errorf("bitcoind %s: %w", ct, ErrUnsupportedChain)
	}
	decoded, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInput, err)
	}

	res, err := b.scanTxOutSet(ctx, "addr("+decoded.EncodeAddress()+")")
	if err != nil {
		return nil, err
	}

	total, err := btcutil.NewAmount(res.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: total amount: %w", err)
	}
	stats := &models.ChainStats{
		Balance:          total.ToBTC(),
		Received:         total.ToBTC(),
		TransactionCount: len(res.Unspents),
	}

	sort.Slice(res.Unspents, func(i, j int) bool { return res.Unspents[i].Height < res.Unspents[j].Height })
	for _, u := range res.Unspents {
		amt, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		ts := b.blockTime(u.Height)
		stats.Transfers = append(stats.Transfers, models.Transfer{
			Amount:    decimal.New(int64(amt), -8).String(),
			Timestamp: ts,
		})
		if !ts.IsZero() {
			if stats.FirstSeen.IsZero() || ts.Before(stats.FirstSeen) {
				stats.FirstSeen = ts
			}
			if ts.After(stats.LastSeen) {
				stats.LastSeen = ts
			}
		}
	}
	return stats, nil
}

// scanTxOutSet posts directly over HTTP with a long timeout. The default
// rpcclient timeout is too short for scantxoutset and its automatic retry
// then fails with "Scan already in progress".
func (b *Bitcoind) scanTxOutSet(ctx context.Context, descriptor string) (*scanTxOutResult, error) {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	action, _ := json.Marshal("start")
	descs, _ := json.Marshal([]map[string]string{{"desc": descriptor}})
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "1.0",
		"id":      1,
		"method":  "scantxoutset",
		"params":  []json.RawMessage{action, descs},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+b.cfg.Host, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(b.cfg.User, b.cfg.Pass)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("scantxoutset: http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: read body: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("scantxoutset: unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("scantxoutset: %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var res scanTxOutResult
	if err := json.Unmarshal(rpcResp.Result, &res); err != nil {
		return nil, fmt.Errorf("scantxoutset: unmarshal result: %w", err)
	}
	return &res, nil
}

// blockTime resolves a height to its header timestamp, cached per height.
func (b *Bitcoind) blockTime(height int64) time.Time {
	if height <= 0 || b.headers == nil {
		return time.Time{}
	}
	b.timeMu.Lock()
	if t, ok := b.blockTimes[height]; ok {
		b.timeMu.Unlock()
		return t
	}
	b.timeMu.Unlock()

	hash, err := b.headers.GetBlockHash(height)
	if err != nil {
		log.Printf("[ChainStats] getblockhash %d: %v", height, err)
		return time.Time{}
	}
	hdr, err := b.headers.GetBlockHeaderVerbose(hash)
	if err != nil {
		log.Printf("[ChainStats] getblockheader %s: %v", hash, err)
		return time.Time{}
	}
	t := time.Unix(hdr.Time, 0).UTC()

	b.timeMu.Lock()
	b.blockTimes[height] = t
	b.timeMu.Unlock()
	return t
}
