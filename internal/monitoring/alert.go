package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Condition 告警条件，返回是否触发及描述
type Condition func(ctx context.Context) (bool, string)

// AlertRule 告警规则。同一规则在解除前只产生一条活跃告警。
type AlertRule struct {
	ID        string
	Name      string
	Condition Condition
	Level     AlertLevel
	Component string
	Cooldown  time.Duration
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts        map[string]*Alert
	rules         []AlertRule
	lastTriggered map[string]time.Time
	receivers     []AlertReceiver
	logger        *zap.Logger
	now           func() time.Time
	mu            sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		logger:        logger.Named("alerts"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，已有未解除的同 ID 告警时忽略
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		return
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解除告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("alert resolved", zap.String("alert_id", alertID))
	}
}

// GetAlerts 获取全部告警
func (am *AlertManager) GetAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// GetActiveAlerts 获取未解除的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则；条件不再成立的规则自动解除
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.RUnlock()

	for _, rule := range rules {
		fired, detail := rule.Condition(ctx)
		if !fired {
			am.ResolveAlert(rule.ID)
			continue
		}

		now := am.now()
		am.mu.Lock()
		last := am.lastTriggered[rule.ID]
		if now.Sub(last) < rule.Cooldown {
			am.mu.Unlock()
			continue
		}
		am.lastTriggered[rule.ID] = now
		am.mu.Unlock()

		am.TriggerAlert(&Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   detail,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})
	}
}

// StartMonitoring 启动监控
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// DatabaseConnectionRule 数据库连接告警规则
func DatabaseConnectionRule(health func(ctx context.Context) error) AlertRule {
	return AlertRule{
		ID:   "database_connection",
		Name: "Database Connection",
		Condition: func(ctx context.Context) (bool, string) {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				return true, fmt.Sprintf("database health check failed: %v", err)
			}
			return false, ""
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// ReplayBacklogRule 索引重放积压告警规则
func ReplayBacklogRule(backlog func(ctx context.Context) (int64, error), threshold int64) AlertRule {
	return AlertRule{
		ID:   "search_replay_backlog",
		Name: "Search Replay Backlog",
		Condition: func(ctx context.Context) (bool, string) {
			n, err := backlog(ctx)
			if err != nil {
				return true, fmt.Sprintf("replay queue unavailable: %v", err)
			}
			if n > threshold {
				return true, fmt.Sprintf("%d index writes waiting for replay (threshold %d)", n, threshold)
			}
			return false, ""
		},
		Level:     AlertLevelWarning,
		Component: "search",
		Cooldown:  5 * time.Minute,
	}
}

// ConnectionSaturationRule SMTP 连接数接近上限告警规则
func ConnectionSaturationRule(current func() int, max int, ratio float64) AlertRule {
	return AlertRule{
		ID:   "smtp_connection_saturation",
		Name: "SMTP Connection Saturation",
		Condition: func(context.Context) (bool, string) {
			if max <= 0 {
				return false, ""
			}
			n := current()
			if float64(n) >= float64(max)*ratio {
				return true, fmt.Sprintf("%d of %d SMTP connections in use", n, max)
			}
			return false, ""
		},
		Level:     AlertLevelWarning,
		Component: "smtp",
		Cooldown:  2 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
