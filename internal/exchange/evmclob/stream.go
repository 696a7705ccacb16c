package evmclob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/sigrouter/internal/exchange"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 10 * time.Second
	wsMaxBackoff       = 30 * time.Second
)

// orderStream 订单推送订阅：断线后指数退避重连，直到 Close 或 ctx 取消
type orderStream struct {
	a  *Adapter
	cb func(exchange.OrderStatus)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	closeOnce sync.Once
}

// SubscribeToOrderUpdates 建立 websocket 订阅；首次连接失败直接返回错误
func (a *Adapter) SubscribeToOrderUpdates(ctx context.Context, cb func(exchange.OrderStatus)) (exchange.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("evmclob: nil order update callback")
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &orderStream{a: a, cb: cb, ctx: sctx, cancel: cancel, done: make(chan struct{})}

	conn, err := s.dial()
	if err != nil {
		cancel()
		return nil, &exchange.ConnectionError{Adapter: a.id, Op: "subscribe", Err: err}
	}
	s.setConn(conn)

	go s.run()
	go s.pingLoop()
	return s, nil
}

func (s *orderStream) dial() (*websocket.Conn, error) {
	u, err := url.Parse(s.a.wsURL)
	if err != nil {
		return nil, fmt.Errorf("无效的 websocket URL: %w", err)
	}

	headers := make(http.Header)
	headers.Set("User-Agent", "sigrouter-evmclob")
	if creds := s.a.apiCreds(); !creds.empty() {
		h, err := l2Headers(s.a.address, creds, s.a.now().Unix(), http.MethodGet, u.Path, "")
		if err != nil {
			return nil, err
		}
		for k, v := range h {
			headers.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(s.ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	sub := map[string]string{"type": "subscribe", "channel": "orders", "address": s.a.address.Hex()}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("订阅失败: %w", err)
	}
	return conn, nil
}

func (s *orderStream) setConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *orderStream) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *orderStream) run() {
	defer close(s.done)
	backoff := time.Second

	for {
		conn := s.currentConn()
		if conn != nil {
			s.readLoop(conn)
		}
		if s.ctx.Err() != nil {
			return
		}

		s.a.log.Warnf("订单推送断开，%s 后重连", backoff)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		next, err := s.dial()
		if err != nil {
			s.a.log.Warnf("订单推送重连失败: %v", err)
			s.setConn(nil)
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}
		backoff = time.Second
		s.setConn(next)
		s.a.log.Info("订单推送已重连")
	}
}

// readLoop 读取直到连接出错
func (s *orderStream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.a.log.Debugf("订单推送读取失败: %v", err)
			}
			conn.Close()
			return
		}
		s.handle(data)
	}
}

func (s *orderStream) handle(data []byte) {
	var ev wsOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.a.log.Debugf("忽略无法解析的推送: %s", string(data))
		return
	}
	if ev.EventType != "order" || ev.ID == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.a.log.Errorf("订单推送回调 panic: %v", r)
		}
	}()
	s.cb(*ev.toStatus())
}

func (s *orderStream) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
			s.connMu.Unlock()
		}
	}
}

// Close 取消订阅并等待读循环退出，可重复调用
func (s *orderStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
	<-s.done
	return nil
}
