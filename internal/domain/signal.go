package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 交易方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// DefaultFingerprintBucket 指纹时间桶的默认粒度：同一分钟内相同内容的信号视为同一信号
const DefaultFingerprintBucket = time.Minute

var (
	ErrEmptySymbol   = errors.New("symbol is required")
	ErrInvalidSide   = errors.New("side must be buy or sell")
	ErrInvalidSize   = errors.New("size must be a positive decimal")
	ErrEmptyIdentity = errors.New("caller identity is required")
)

// ParseSide 解析方向（大小写不敏感，兼容 long/short 的常见写法）
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Payload 是 webhook 解码后的原始请求体。
// action/qty 是图表工具告警模板里常见的别名，与 side/size 二选一即可。
type Payload struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Action     string `json:"action"`
	Size       string `json:"size"`
	Qty        string `json:"qty"`
	Passphrase string `json:"passphrase"`
	Caller     string `json:"caller"`
	Timestamp  string `json:"timestamp"`
}

func (p Payload) side() string {
	if strings.TrimSpace(p.Side) != "" {
		return p.Side
	}
	return p.Action
}

func (p Payload) size() string {
	if strings.TrimSpace(p.Size) != "" {
		return p.Size
	}
	return p.Qty
}

// Signal 已校验的交易指令。构造后不可变，只通过访问器读取。
type Signal struct {
	fingerprint string
	symbol      string
	side        Side
	size        decimal.Decimal
	caller      string
	receivedAt  time.Time
}

// NewSignal 校验 payload 并计算指纹。
// 指纹 = sha256(归一化内容 | caller | floor(now/bucket))，bucket<=0 时使用默认粒度。
func NewSignal(p Payload, caller string, now time.Time, bucket time.Duration) (Signal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		return Signal{}, ErrEmptySymbol
	}
	side, err := ParseSide(p.side())
	if err != nil {
		return Signal{}, err
	}
	size, err := decimal.NewFromString(strings.TrimSpace(p.size()))
	if err != nil || !size.IsPositive() {
		return Signal{}, ErrInvalidSize
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return Signal{}, ErrEmptyIdentity
	}
	if bucket <= 0 {
		bucket = DefaultFingerprintBucket
	}

	s := Signal{
		symbol:     symbol,
		side:       side,
		size:       size,
		caller:     caller,
		receivedAt: now,
	}
	s.fingerprint = fingerprint(s, now.UnixNano()/int64(bucket))
	return s, nil
}

func fingerprint(s Signal, bucketIndex int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", s.symbol, s.side, s.size.String(), s.caller, bucketIndex)
	return hex.EncodeToString(h.Sum(nil))
}

func (s Signal) Fingerprint() string { return s.fingerprint }
func (s Signal) Symbol() string { return s.symbol }
func (s Signal) Side() Side { return s.side }
func (s Signal) Size() decimal.Decimal { return s.size }
func (s Signal) CallerIdentity() string { return s.caller }
func (s Signal) ReceivedAt() time.Time { return s.receivedAt }
func (s Signal) IsZero() bool { return s.fingerprint == "" }

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s (caller=%s fp=%.12s)", s.side, s.size.String(), s.symbol, s.caller, s.fingerprint)
}
