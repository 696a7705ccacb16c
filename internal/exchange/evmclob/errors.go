package evmclob

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/sigrouter/internal/exchange"
)

// classify 把传输错误 / HTTP 响应映射到统一错误分类。
//
//	超时 / 408 / 504              → TimeoutError
//	连接失败 / 429 / 其他 5xx       → ConnectionError
//	401/403 且提示签名错误          → SignatureError
//	insufficient / nonce / 404    → 对应的 RejectionError 子类
//	其他 4xx                      → RejectionError
func (a *Adapter) classify(op string, resp *resty.Response, err error, orderID string, nonce uint64) error {
	if err != nil {
		if isTimeout(err) {
			return &exchange.TimeoutError{Adapter: a.id, Op: op, After: a.timeout, Err: err}
		}
		return &exchange.ConnectionError{Adapter: a.id, Op: op, Err: err}
	}
	if resp == nil {
		return &exchange.ConnectionError{Adapter: a.id, Op: op, Err: stderrors.New("empty response")}
	}
	if resp.IsSuccess() {
		return nil
	}

	status := resp.StatusCode()
	msg := responseText(resp)
	httpErr := errors.Errorf("http %d: %s", status, msg)

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &exchange.TimeoutError{Adapter: a.id, Op: op, Err: httpErr}
	case status == http.StatusTooManyRequests || status >= 500:
		return &exchange.ConnectionError{Adapter: a.id, Op: op, Err: httpErr}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(msg), "signature") {
			return &exchange.SignatureError{Adapter: a.id, Reason: msg}
		}
		return exchange.NewRejection(a.id, "unauthorized", msg)
	case status == http.StatusNotFound:
		return exchange.NewOrderNotFound(a.id, orderID, msg)
	default:
		return a.classifyMessage(msg, orderID, nonce)
	}
}

// classifyMessage 业务拒绝按错误信息细分（也用于 200 但 success=false 的响应）
func (a *Adapter) classifyMessage(msg, orderID string, nonce uint64) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return exchange.NewInsufficientFunds(a.id, msg)
	case strings.Contains(lower, "nonce"):
		a.nonces.Invalidate()
		return exchange.NewInvalidNonce(a.id, nonce, msg)
	case strings.Contains(lower, "not found"):
		return exchange.NewOrderNotFound(a.id, orderID, msg)
	case strings.Contains(lower, "invalid signature"):
		return &exchange.SignatureError{Adapter: a.id, Reason: msg}
	default:
		return exchange.NewRejection(a.id, "", msg)
	}
}

func responseText(resp *resty.Response) string {
	body := resp.Body()
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.text() != "" {
		return er.text()
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return resp.Status()
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
