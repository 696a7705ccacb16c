package evmclob

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/sigrouter/internal/exchange"
)

// 交易所 REST 端点
const (
	endpointTime      = "/time"
	endpointNonce     = "/nonce"
	endpointOrder     = "/order"
	endpointOrderByID = "/data/order/"
	endpointPositions = "/positions"
	endpointWSOrders  = "/ws/orders"
)

// signedOrder 提交给交易所的已签名订单
type signedOrder struct {
	Salt       int64  `json:"salt"`
	Maker      string `json:"maker"`
	Signer     string `json:"signer"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"` // BUY / SELL
	Size       string `json:"size"` // 1e6 精度整数
	Nonce      string `json:"nonce"`
	Expiration string `json:"expiration"`
	Signature  string `json:"signature"`
}

type postOrderRequest struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type postOrderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	FilledAmount string `json:"filledAmount"`
	ErrorMsg     string `json:"errorMsg"`
}

type cancelOrderRequest struct {
	OrderID string `json:"orderID"`
}

type cancelOrderResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type orderResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	FilledAmount    string `json:"filledAmount"`
	RemainingAmount string `json:"remainingAmount"`
	AveragePrice    string `json:"avgPrice"`
	UpdatedAt       int64  `json:"updatedAt"` // unix 毫秒
}

type positionResponse struct {
	Symbol       string `json:"symbol"`
	Size         string `json:"size"`
	AveragePrice string `json:"avgPrice"`
	UpdatedAt    int64  `json:"updatedAt"`
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

// wsOrderEvent 订单推送消息
type wsOrderEvent struct {
	EventType string `json:"event_type"`
	orderResponse
}

// mapOrderState 交易所状态 → 统一订单状态
func mapOrderState(s string) exchange.OrderState {
	switch strings.ToLower(s) {
	case "matched", "filled":
		return exchange.OrderStateFilled
	case "partial", "partially_filled":
		return exchange.OrderStatePartial
	case "canceled", "cancelled":
		return exchange.OrderStateCancelled
	case "failed", "rejected", "expired":
		return exchange.OrderStateFailed
	default:
		return exchange.OrderStatePending
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// fromChainUnits 1e6 精度整数 → 十进制数量
func fromChainUnits(s string) decimal.Decimal {
	return parseDecimal(s).Shift(-sizeDecimals)
}

func millisOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func (o orderResponse) toStatus() *exchange.OrderStatus {
	return &exchange.OrderStatus{
		OrderID:         o.ID,
		Status:          mapOrderState(o.Status),
		FilledAmount:    fromChainUnits(o.FilledAmount),
		RemainingAmount: fromChainUnits(o.RemainingAmount),
		AveragePrice:    parseDecimal(o.AveragePrice),
		LastUpdated:     millisOrNow(o.UpdatedAt),
	}
}
