// Package evmclob 链上订单簿（EVM CLOB）交易所后端：REST 下单 + EIP712 订单签名 + L2 HMAC 认证。
package evmclob

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/pkg/config"
	"github.com/betbot/sigrouter/pkg/ratelimit"
)

// Kind 注册到 exchange 工厂的类型名
const Kind = config.AdapterKindEVMClob

const (
	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 5
	degradedLatency          = time.Second
	secretPrefix             = "secret://"
)

func init() {
	exchange.Register(Kind, func(cfg config.AdapterConfig, deps exchange.Deps) (exchange.Adapter, error) {
		return New(cfg.ID, cfg.EVMClob, deps.Secrets)
	})
}

// Adapter EVM CLOB 执行后端
type Adapter struct {
	id              string
	chainID         int64
	exchangeAddress string
	wsURL           string
	timeout         time.Duration

	key     *ecdsa.PrivateKey
	address common.Address

	http    *resty.Client
	limiter ratelimit.RateLimiter
	nonces  *nonceManager
	log     *logrus.Entry
	now     func() time.Time

	mu        sync.RWMutex
	creds     credentials
	connected bool

	saltMu sync.Mutex
	salt   *rand.Rand
}

var _ exchange.Adapter = (*Adapter)(nil)

// New 创建 EVM CLOB 后端。private_key 为 secret:// 引用时通过 secrets 解析。
func New(id string, cfg config.EVMClobAdapterConfig, secrets exchange.SecretResolver) (*Adapter, error) {
	if id == "" {
		return nil, stderrors.New("evmclob: id is required")
	}
	if cfg.BaseURL == "" {
		return nil, stderrors.New("evmclob: base_url is required")
	}

	rawKey := cfg.PrivateKey
	if strings.HasPrefix(rawKey, secretPrefix) {
		if secrets == nil {
			return nil, fmt.Errorf("evmclob: %s requires a secret store", rawKey)
		}
		v, err := secrets.Resolve(rawKey)
		if err != nil {
			return nil, fmt.Errorf("evmclob: resolve private key: %w", err)
		}
		rawKey = v
	}
	key, err := parsePrivateKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("evmclob: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}

	// 重试由上层 retry 包负责，这里不开启 resty 重试
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "sigrouter-evmclob")

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = strings.Replace(strings.TrimSuffix(cfg.BaseURL, "/"), "http", "ws", 1) + endpointWSOrders
	}

	return &Adapter{
		id:              id,
		chainID:         cfg.ChainID,
		exchangeAddress: cfg.ExchangeAddress,
		wsURL:           wsURL,
		timeout:         timeout,
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		http:            httpClient,
		limiter:         ratelimit.NewTokenBucket(burst, rps),
		nonces:          newNonceManager(uint64(time.Now().UnixMilli())),
		log:             logrus.WithFields(logrus.Fields{"component": "adapter", "adapter": id, "kind": Kind}),
		now:             time.Now,
		creds:           credentials{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.APIPassphrase},
		salt:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (a *Adapter) ID() string { return a.id }

// Address 签名地址
func (a *Adapter) Address() common.Address { return a.address }

func (a *Adapter) isConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) apiCreds() credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// Connect 探测交易所可达并同步 nonce。params.Credentials 可覆盖 api_key / api_secret / api_passphrase。
func (a *Adapter) Connect(ctx context.Context, params exchange.ConnectParams) error {
	if len(params.Credentials) > 0 {
		a.mu.Lock()
		if v := params.Credentials["api_key"]; v != "" {
			a.creds.Key = v
		}
		if v := params.Credentials["api_secret"]; v != "" {
			a.creds.Secret = v
		}
		if v := params.Credentials["api_passphrase"]; v != "" {
			a.creds.Passphrase = v
		}
		a.mu.Unlock()
	}

	resp, err := a.http.R().SetContext(ctx).Get(endpointTime)
	if cerr := a.classify("connect", resp, err, "", 0); cerr != nil {
		return cerr
	}
	if err := a.syncNonce(ctx); err != nil {
		a.log.Warnf("同步 nonce 失败，使用本地 nonce=%d: %v", a.nonces.Peek(), err)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Infof("✅ 已连接交易所: address=%s chain=%d", a.address.Hex(), a.chainID)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	if hc := a.http.GetClient(); hc != nil {
		hc.CloseIdleConnections()
	}
	a.log.Info("已断开交易所连接")
}

func (a *Adapter) syncNonce(ctx context.Context) error {
	var out nonceResponse
	resp, err := a.request(ctx, http.MethodGet, endpointNonce, nil, map[string]string{"address": a.address.Hex()}, &out)
	if cerr := a.classify("sync_nonce", resp, err, "", 0); cerr != nil {
		return cerr
	}
	a.nonces.Sync(out.Nonce)
	return nil
}

// request 发送带 L2 认证头的请求（未配置 API 凭证时不带认证头）
func (a *Adapter) request(ctx context.Context, method, path string, body any, query map[string]string, out any) (*resty.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		payload = b
	}

	r := a.http.R().SetContext(ctx)
	if creds := a.apiCreds(); !creds.empty() {
		headers, err := l2Headers(a.address, creds, a.now().Unix(), method, path, string(payload))
		if err != nil {
			return nil, err
		}
		r.SetHeaders(headers)
	}
	if len(query) > 0 {
		r.SetQueryParams(query)
	}
	if payload != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	if out != nil {
		r.SetResult(out)
	}
	return r.Execute(method, path)
}

// throttle 出站限流，等待被 ctx 打断视为超时
func (a *Adapter) throttle(ctx context.Context, op string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &exchange.TimeoutError{Adapter: a.id, Op: op, Err: err}
	}
	return nil
}

func (a *Adapter) nextSalt() int64 {
	a.saltMu.Lock()
	defer a.saltMu.Unlock()
	return a.salt.Int63()
}

func (a *Adapter) ExecuteOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal) (*exchange.SubmissionResult, error) {
	const op = "execute_order"
	if !a.isConnected() {
		return nil, &exchange.ConnectionError{Adapter: a.id, Op: op, Err: stderrors.New("not connected")}
	}
	units := size.Shift(sizeDecimals).Truncate(0)
	if !units.IsPositive() {
		return nil, exchange.NewRejection(a.id, "invalid_size", fmt.Sprintf("size %s below precision", size))
	}
	if err := a.throttle(ctx, op); err != nil {
		return nil, err
	}
	if a.nonces.Stale() {
		if err := a.syncNonce(ctx); err != nil {
			a.log.Warnf("下单前同步 nonce 失败: %v", err)
		}
	}

	var sideCode uint8
	sideText := "BUY"
	if side == domain.SideSell {
		sideCode, sideText = 1, "SELL"
	}
	od := orderData{
		Salt:   a.nextSalt(),
		Maker:  a.address,
		Symbol: symbol,
		Side:   sideCode,
		Size:   units.BigInt(),
		Nonce:  a.nonces.Next(),
	}
	sig, err := signOrder(a.key, a.chainID, a.exchangeAddress, od)
	if err != nil {
		return nil, exchange.NewRejection(a.id, "signing", err.Error())
	}

	req := postOrderRequest{
		Order: signedOrder{
			Salt:       od.Salt,
			Maker:      od.Maker.Hex(),
			Signer:     od.Maker.Hex(),
			Symbol:     symbol,
			Side:       sideText,
			Size:       units.String(),
			Nonce:      strconv.FormatUint(od.Nonce, 10),
			Expiration: "0",
			Signature:  sig,
		},
		Owner:     a.apiCreds().Key,
		OrderType: "FOK",
	}

	var out postOrderResponse
	resp, err := a.request(ctx, http.MethodPost, endpointOrder, req, nil, &out)
	if cerr := a.classify(op, resp, err, "", od.Nonce); cerr != nil {
		a.log.Warnf("❌ 下单失败: symbol=%s side=%s size=%s nonce=%d err=%v", symbol, side, size, od.Nonce, cerr)
		return nil, cerr
	}
	if !out.Success {
		cerr := a.classifyMessage(out.ErrorMsg, "", od.Nonce)
		a.log.Warnf("❌ 下单被拒绝: symbol=%s side=%s size=%s err=%v", symbol, side, size, cerr)
		return nil, cerr
	}

	a.log.Infof("✅ 下单成功: orderID=%s symbol=%s side=%s size=%s status=%s", out.OrderID, symbol, side, size, out.Status)
	return &exchange.SubmissionResult{
		OrderID:      out.OrderID,
		Status:       exchange.SubmissionStatusSubmitted,
		SubmittedAt:  a.now(),
		FilledAmount: fromChainUnits(out.FilledAmount),
		RawResponse:  json.RawMessage(resp.Body()),
	}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (*exchange.OrderStatus, error) {
	const op = "get_order_status"
	if err := a.throttle(ctx, op); err != nil {
		return nil, err
	}
	var out orderResponse
	resp, err := a.request(ctx, http.MethodGet, endpointOrderByID+orderID, nil, nil, &out)
	if cerr := a.classify(op, resp, err, orderID, 0); cerr != nil {
		return nil, cerr
	}
	if out.ID == "" {
		out.ID = orderID
	}
	return out.toStatus(), nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	const op = "get_position"
	if err := a.throttle(ctx, op); err != nil {
		return nil, err
	}
	var out positionResponse
	resp, err := a.request(ctx, http.MethodGet, endpointPositions, nil,
		map[string]string{"address": a.address.Hex(), "symbol": symbol}, &out)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if cerr := a.classify(op, resp, err, "", 0); cerr != nil {
		return nil, cerr
	}
	size := fromChainUnits(out.Size)
	if size.IsZero() {
		return nil, nil
	}
	return &exchange.Position{
		Symbol:       symbol,
		Size:         size,
		AveragePrice: parseDecimal(out.AveragePrice),
		UpdatedAt:    millisOrNow(out.UpdatedAt),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	const op = "cancel_order"
	if err := a.throttle(ctx, op); err != nil {
		return err
	}
	var out cancelOrderResponse
	resp, err := a.request(ctx, http.MethodDelete, endpointOrder, cancelOrderRequest{OrderID: orderID}, nil, &out)
	if cerr := a.classify(op, resp, err, orderID, 0); cerr != nil {
		return cerr
	}
	if reason, ok := out.NotCanceled[orderID]; ok {
		return exchange.NewOrderNotFound(a.id, orderID, reason)
	}
	a.log.Infof("✅ 取消订单成功: orderID=%s", orderID)
	return nil
}

// GetHealthStatus 通过 GET /time 探测；超过 degradedLatency 或非 2xx 视为 degraded
func (a *Adapter) GetHealthStatus(ctx context.Context) exchange.HealthStatus {
	hs := exchange.HealthStatus{Connected: a.isConnected(), LastCheck: a.now()}
	if !hs.Connected {
		hs.Status = exchange.HealthOffline
		hs.ErrorMessage = "not connected"
		return hs
	}

	start := time.Now()
	resp, err := a.http.R().SetContext(ctx).Get(endpointTime)
	hs.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		hs.Status = exchange.HealthOffline
		hs.ErrorMessage = err.Error()
	case !resp.IsSuccess():
		hs.Status = exchange.HealthDegraded
		hs.ErrorMessage = fmt.Sprintf("http %d", resp.StatusCode())
	case time.Duration(hs.LatencyMs)*time.Millisecond > degradedLatency:
		hs.Status = exchange.HealthDegraded
		hs.ErrorMessage = "slow response"
	default:
		hs.Status = exchange.HealthHealthy
	}
	return hs
}
