// Package server webhook 入口与只读状态接口（gin）。
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/sigrouter/internal/domain"
	"github.com/betbot/sigrouter/internal/exchange"
	"github.com/betbot/sigrouter/internal/metrics"
	"github.com/betbot/sigrouter/internal/pipeline"
	"github.com/betbot/sigrouter/pkg/shutdown"
)

var log = logrus.WithField("component", "server")

const maxBodyBytes = 64 << 10

// Ingester 管线入口
type Ingester interface {
	Ingest(ctx context.Context, sig domain.Signal, caller string) pipeline.Verdict
}

// HealthSource 适配器健康快照
type HealthSource interface {
	Snapshot() map[string]exchange.HealthStatus
}

// Config 服务参数
type Config struct {
	Passphrase        string
	CallerHeader      string
	FingerprintBucket time.Duration
	Now               func() time.Time
}

// Server webhook 网关：鉴权、解析 payload、调用管线、把结论映射成 HTTP 响应
type Server struct {
	cfg         Config
	ingester    Ingester
	coordinator *shutdown.Coordinator
	health      HealthSource
	startedAt   time.Time

	httpSrv *http.Server
}

// New 创建服务；health 可为空
func New(cfg Config, ingester Ingester, coordinator *shutdown.Coordinator, health HealthSource) *Server {
	if cfg.CallerHeader == "" {
		cfg.CallerHeader = "X-Caller-ID"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if coordinator == nil {
		coordinator = shutdown.NewCoordinator()
	}
	return &Server{
		cfg:         cfg,
		ingester:    ingester,
		coordinator: coordinator,
		health:      health,
		startedAt:   time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.POST("/webhook", s.handleWebhook)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/adapters/health", s.handleAdaptersHealth)

	r.Any("/debug/*path", gin.WrapH(metrics.Handler()))
	return r
}

// Start 在后台开始监听；监听失败直接返回错误
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP 服务异常退出: %v", err)
		}
	}()
	log.Infof("✅ Webhook 服务已启动: %s", ln.Addr())
	return nil
}

// Shutdown 停止接收新连接并等待处理中的请求
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_payload", "error": "failed to read body"})
		return
	}
	var p domain.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_payload", "error": "body is not valid JSON"})
		return
	}

	if !s.checkPassphrase(p.Passphrase) {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized"})
		return
	}

	caller := s.callerIdentity(c, p)
	sig, err := domain.NewSignal(p, caller, s.cfg.Now(), s.cfg.FingerprintBucket)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_payload", "error": err.Error()})
		return
	}

	v := s.ingester.Ingest(c.Request.Context(), sig, caller)
	switch v.Kind {
	case pipeline.VerdictProcessed:
		c.JSON(http.StatusOK, gin.H{
			"code":           "processed",
			"fingerprint":    sig.Fingerprint(),
			"overall_status": v.Result.OverallStatus,
			"result":         v.Result,
		})
	case pipeline.VerdictDuplicate:
		c.JSON(http.StatusOK, gin.H{"code": "duplicate", "fingerprint": sig.Fingerprint()})
	case pipeline.VerdictRateLimited:
		c.Header("Retry-After", strconv.Itoa(v.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "retry_after_seconds": v.RetryAfterSeconds})
	case pipeline.VerdictRejected:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "rejected", "reason": v.Reason, "fingerprint": sig.Fingerprint()})
	case pipeline.VerdictUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "unavailable", "reason": v.Reason})
	default:
		log.Errorf("未知的管线结论: %q", v.Kind)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error"})
	}
}

func (s *Server) checkPassphrase(got string) bool {
	if s.cfg.Passphrase == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Passphrase)) == 1
}

// callerIdentity header 优先，其次 payload.caller，最后客户端 IP
func (s *Server) callerIdentity(c *gin.Context, p domain.Payload) string {
	if v := strings.TrimSpace(c.GetHeader(s.cfg.CallerHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(p.Caller); v != "" {
		return v
	}
	return c.ClientIP()
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.coordinator.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": string(s.coordinator.State())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	inFlight := s.coordinator.InFlight()
	c.JSON(http.StatusOK, gin.H{
		"state":           s.coordinator.State(),
		"in_flight":       inFlight,
		"in_flight_count": len(inFlight),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleAdaptersHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"adapters": map[string]exchange.HealthStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adapters": s.health.Snapshot()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}
