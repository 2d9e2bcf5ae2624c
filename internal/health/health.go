package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"abusedesk/backend/internal/storage"
)

const checkTimeout = 5 * time.Second

// Pinger 可探活的外部依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies 就绪检查涉及的可选依赖，nil 表示未启用
type Dependencies struct {
	Redis         Pinger
	Search        Pinger
	ClassifierURL string
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	deps   Dependencies
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, deps Dependencies, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		deps:   deps,
		logger: logger.Named("health"),
	}

	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 数据库不可用时进程无法提供任何服务
	hc.health.AddLivenessCheck("database", healthcheck.Timeout(func() error {
		return hc.store.Health(context.Background())
	}, checkTimeout))

	if hc.deps.Redis != nil {
		hc.health.AddReadinessCheck("redis", PingCheck(hc.deps.Redis))
	}
	if hc.deps.Search != nil {
		hc.health.AddReadinessCheck("search", PingCheck(hc.deps.Search))
	}
	if addr, err := dialAddress(hc.deps.ClassifierURL); err == nil {
		hc.health.AddReadinessCheck("classifier", healthcheck.TCPDialCheck(addr, checkTimeout))
	} else if hc.deps.ClassifierURL != "" {
		hc.logger.Warn("classifier readiness check disabled", zap.Error(err))
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() healthcheck.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查（包含存活检查）
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部检查并返回可读摘要
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results["database"] = status(hc.store.Health(ctx))
	results["redis"] = pingStatus(ctx, hc.deps.Redis)
	results["search"] = pingStatus(ctx, hc.deps.Search)
	if hc.deps.ClassifierURL == "" {
		results["classifier"] = "NOT_CONFIGURED"
	} else {
		results["classifier"] = "CONFIGURED"
	}
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return results
}

// Healthy 数据库是否可用
func (hc *HealthChecker) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return hc.store.Health(ctx) == nil
}

// PingCheck 将 Pinger 包装为带超时的检查
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "NOT_AVAILABLE"
	}
	return status(p.Ping(ctx))
}

func status(err error) string {
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return "OK"
}

// dialAddress 从服务 URL 推导 host:port
func dialAddress(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
