package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"dvpsettle/services/dvpd/settlement"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultReceiptPoll    = time.Second
	defaultReceiptTimeout = 2 * time.Minute
)

// Options tune a ledger connection.
type Options struct {
	// Name labels the connection in errors and spans.
	Name string
	// ChainID is fetched from the node when nil.
	ChainID *big.Int
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// CallTimeout bounds each HTTP exchange.
	CallTimeout time.Duration
	// GasPrice overrides the node's suggestion. Permissioned ledgers
	// usually run at zero.
	GasPrice *big.Int
	// GasLimit skips estimation when set.
	GasLimit       uint64
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Conn is a rate limited JSON-RPC connection to one ledger node.
type Conn struct {
	name    string
	rpc     *rpc.Client
	eth     *ethclient.Client
	limiter *rate.Limiter
	opts    Options

	chainMu sync.Mutex
	chainID *big.Int

	// sendMu serialises nonce assignment per sender.
	sendMu sync.Map
}

// Dial connects to endpoint. HTTP endpoints go through an otelhttp
// transport; ws and ipc endpoints use go-ethereum's own transports.
func Dial(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: endpoint required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	httpClient := &http.Client{
		Timeout:   opts.CallTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	dialOpts := []rpc.ClientOption{rpc.WithHTTPClient(httpClient)}
	if token := strings.TrimSpace(opts.AuthToken); token != "" {
		dialOpts = append(dialOpts, rpc.WithHeader("Authorization", "Bearer "+token))
	}
	client, err := rpc.DialOptions(ctx, endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", endpoint, err)
	}
	return NewConn(client, opts), nil
}

// NewConn wraps an established RPC client.
func NewConn(client *rpc.Client, opts Options) *Conn {
	if opts.Name == "" {
		opts.Name = "ledger"
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = defaultReceiptPoll
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptTimeout
	}
	c := &Conn{
		name: opts.Name,
		rpc:  client,
		eth:  ethclient.NewClient(client),
		opts: opts,
	}
	if opts.ChainID != nil {
		c.chainID = new(big.Int).Set(opts.ChainID)
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Name returns the connection label.
func (c *Conn) Name() string { return c.name }

// Close releases the underlying client.
func (c *Conn) Close() { c.rpc.Close() }

func (c *Conn) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// Call issues a raw JSON-RPC request, for node methods ethclient does not
// cover.
func (c *Conn) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return classify(c.rpc.CallContext(ctx, result, method, args...))
}

// ChainID returns the configured or node-reported chain id.
func (c *Conn) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, classify(err)
	}
	c.chainID = id
	return id, nil
}

// BlockTime returns the timestamp of the latest block, the ledger's own
// clock.
func (c *Conn) BlockTime(ctx context.Context) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, classify(err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// view runs a read-only contract call.
func (c *Conn) view(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// transact signs and sends a call to contract and waits for its receipt. A
// revert, at estimation or in the receipt, is a precondition failure.
func (c *Conn) transact(ctx context.Context, signer *Signer, to common.Address, data []byte) (common.Hash, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := c.send(ctx, signer, chainID, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return hash, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, classify(fmt.Errorf("%w: %s on %s", ErrReverted, hash.Hex(), c.name))
	}
	return hash, nil
}

func (c *Conn) send(ctx context.Context, signer *Signer, chainID *big.Int, to common.Address, data []byte) (common.Hash, error) {
	lock, _ := c.sendMu.LoadOrStore(signer.Address(), &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return common.Hash{}, classify(err)
	}
	gasPrice := c.opts.GasPrice
	if gasPrice == nil {
		if gasPrice, err = c.eth.SuggestGasPrice(ctx); err != nil {
			return common.Hash{}, classify(err)
		}
	}
	gas := c.opts.GasLimit
	if gas == 0 {
		msg := ethereum.CallMsg{From: signer.Address(), To: &to, GasPrice: gasPrice, Data: data}
		if gas, err = c.eth.EstimateGas(ctx, msg); err != nil {
			return common.Hash{}, classify(err)
		}
		gas += gas / 5
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := signer.Sign(tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify(err)
	}
	return signed.Hash(), nil
}

func (c *Conn) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, c.opts.ReceiptTimeout, ErrReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx); err != nil {
			return nil, c.receiptErr(ctx, hash, err)
		}
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case ctx.Err() != nil:
			return nil, c.receiptErr(ctx, hash, ctx.Err())
		case err != nil && !errors.Is(err, ethereum.NotFound):
			// The transaction is out; keep polling through transport noise
			// rather than resubmitting it.
			if classified := classify(err); !settlement.IsTransient(classified) {
				return nil, classified
			}
		}
		select {
		case <-ctx.Done():
			return nil, c.receiptErr(ctx, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// receiptErr separates the receipt window closing, which is transient, from
// the caller giving up.
func (c *Conn) receiptErr(ctx context.Context, hash common.Hash, err error) error {
	if errors.Is(context.Cause(ctx), ErrReceiptTimeout) {
		return classify(fmt.Errorf("%w: %s on %s", ErrReceiptTimeout, hash.Hex(), c.name))
	}
	return err
}
