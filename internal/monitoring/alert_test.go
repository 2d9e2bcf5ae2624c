package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReceiver struct {
	alerts []Alert
	err    error
}

func (r *recordingReceiver) SendAlert(alert *Alert) error {
	r.alerts = append(r.alerts, *alert)
	return r.err
}

func newManager(t *testing.T) (*AlertManager, *recordingReceiver, *time.Time) {
	t.Helper()
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	am := NewAlertManager(zap.NewNop())
	am.now = func() time.Time { return clock }
	rec := &recordingReceiver{}
	am.AddReceiver(rec)
	return am, rec, &clock
}

func TestAlertManager(t *testing.T) {
	t.Run("条件成立时触发并在恢复后解除", func(t *testing.T) {
		am, rec, _ := newManager(t)
		var backlog int64 = 50
		am.AddRule(ReplayBacklogRule(func(context.Context) (int64, error) { return backlog, nil }, 10))

		am.CheckRules(context.Background())
		require.Len(t, rec.alerts, 1)
		assert.Equal(t, "search_replay_backlog", rec.alerts[0].ID)
		assert.Equal(t, AlertLevelWarning, rec.alerts[0].Level)
		assert.Contains(t, rec.alerts[0].Message, "50 index writes")
		assert.Len(t, am.GetActiveAlerts(), 1)

		backlog = 0
		am.CheckRules(context.Background())
		assert.Empty(t, am.GetActiveAlerts())
		all := am.GetAlerts()
		require.Len(t, all, 1)
		assert.True(t, all[0].Resolved)
		assert.NotNil(t, all[0].ResolvedAt)
	})

	t.Run("冷却期内不重复发送", func(t *testing.T) {
		am, rec, clock := newManager(t)
		am.AddRule(DatabaseConnectionRule(func(context.Context) error { return errors.New("dial tcp: refused") }))

		am.CheckRules(context.Background())
		am.CheckRules(context.Background())
		assert.Len(t, rec.alerts, 1)

		// 冷却期过后告警仍未解除，同 ID 不重复发送
		*clock = clock.Add(2 * time.Minute)
		am.CheckRules(context.Background())
		assert.Len(t, rec.alerts, 1)
		assert.Equal(t, AlertLevelCritical, am.GetActiveAlerts()[0].Level)
	})

	t.Run("解除后再次触发", func(t *testing.T) {
		am, rec, clock := newManager(t)
		healthy := false
		am.AddRule(DatabaseConnectionRule(func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		}))

		am.CheckRules(context.Background())
		healthy = true
		am.CheckRules(context.Background())
		healthy = false
		*clock = clock.Add(2 * time.Minute)
		am.CheckRules(context.Background())

		assert.Len(t, rec.alerts, 2)
		assert.Len(t, am.GetActiveAlerts(), 1)
	})

	t.Run("接收器失败不影响记录", func(t *testing.T) {
		am, rec, _ := newManager(t)
		rec.err = errors.New("unreachable")
		am.TriggerAlert(&Alert{ID: "x", Level: AlertLevelInfo})
		assert.Len(t, am.GetActiveAlerts(), 1)
	})
}

func TestBuiltinRules(t *testing.T) {
	t.Run("重放队列不可用视为告警", func(t *testing.T) {
		rule := ReplayBacklogRule(func(context.Context) (int64, error) { return 0, errors.New("redis down") }, 10)
		fired, detail := rule.Condition(context.Background())
		assert.True(t, fired)
		assert.Contains(t, detail, "redis down")
	})

	t.Run("SMTP 连接饱和", func(t *testing.T) {
		current := 0
		rule := ConnectionSaturationRule(func() int { return current }, 10, 0.8)

		fired, _ := rule.Condition(context.Background())
		assert.False(t, fired)

		current = 8
		fired, detail := rule.Condition(context.Background())
		assert.True(t, fired)
		assert.Equal(t, "8 of 10 SMTP connections in use", detail)
	})

	t.Run("不限连接数时不告警", func(t *testing.T) {
		rule := ConnectionSaturationRule(func() int { return 1000 }, 0, 0.8)
		fired, _ := rule.Condition(context.Background())
		assert.False(t, fired)
	})
}
