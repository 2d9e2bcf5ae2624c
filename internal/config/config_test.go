package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ABUSEDESK_CONFIG",
	"ABUSEDESK_SERVER_PORT",
	"ABUSEDESK_DATABASE_TYPE",
	"ABUSEDESK_DATABASE_DSN",
	"ABUSEDESK_SEARCH_ADDRESSES",
	"ABUSEDESK_CLASSIFIER_PROVIDER",
	"ABUSEDESK_CLASSIFIER_URL",
	"ABUSEDESK_CLASSIFIER_TIMEOUT",
	"ABUSEDESK_CLASSIFIER_RATE_LIMIT",
	"ABUSEDESK_IMAP_ADDRESS",
	"ABUSEDESK_IMAP_AUTH_TYPE",
	"ABUSEDESK_IMAP_OAUTH_TOKEN_URL",
	"ABUSEDESK_SMTP_ALLOWED_DOMAINS",
	"ABUSEDESK_PIPELINE_WORKERS",
}

// clearEnv 清除测试相关的环境变量，测试结束后由 t.Setenv 自动恢复
func clearEnv(t *testing.T) {
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "", cfg.Database.Type)
		assert.True(t, cfg.Database.AutoMigrate)
		assert.Equal(t, 7*24*time.Hour, cfg.Redis.DedupTTL)
		assert.Empty(t, cfg.Search.Addresses)
		assert.Equal(t, 5, cfg.Search.ReplayMaxAttempts)
		assert.Equal(t, "ollama", cfg.Classifier.Provider)
		assert.Equal(t, "http://localhost:11434", cfg.Classifier.URL)
		assert.Equal(t, "llama3.2:1b", cfg.Classifier.Model)
		assert.Equal(t, 60*time.Second, cfg.Classifier.Timeout)
		assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
		assert.Equal(t, "password", cfg.IMAP.AuthType)
		assert.True(t, cfg.IMAP.UnseenOnly)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, 4, cfg.Pipeline.Workers)
		assert.Equal(t, 2*time.Minute, cfg.Pipeline.ItemTimeout)
		assert.Equal(t, 20, cfg.Pipeline.SyncLimit)
		assert.Equal(t, 10*time.Minute, cfg.Pipeline.SyncBudget())
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ABUSEDESK_SERVER_PORT", "9090")
		t.Setenv("ABUSEDESK_DATABASE_TYPE", "Postgres")
		t.Setenv("ABUSEDESK_DATABASE_DSN", "postgres://u:p@localhost:5432/abuse?sslmode=disable")
		t.Setenv("ABUSEDESK_SEARCH_ADDRESSES", "http://es1:9200, http://es2:9200")
		t.Setenv("ABUSEDESK_CLASSIFIER_PROVIDER", "openai")
		t.Setenv("ABUSEDESK_CLASSIFIER_URL", "https://llm.internal/")
		t.Setenv("ABUSEDESK_CLASSIFIER_TIMEOUT", "15s")
		t.Setenv("ABUSEDESK_CLASSIFIER_RATE_LIMIT", "2.5")
		t.Setenv("ABUSEDESK_SMTP_ALLOWED_DOMAINS", "Abuse.Example, reports.example")
		t.Setenv("ABUSEDESK_PIPELINE_WORKERS", "8")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "postgres", cfg.Database.Type)
		assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Search.Addresses)
		assert.Equal(t, "openai", cfg.Classifier.Provider)
		assert.Equal(t, "https://llm.internal", cfg.Classifier.URL)
		assert.Equal(t, 15*time.Second, cfg.Classifier.Timeout)
		assert.Equal(t, 2.5, cfg.Classifier.RateLimit)
		assert.Equal(t, []string{"abuse.example", "reports.example"}, cfg.SMTP.AllowedDomains)
		assert.Equal(t, 8, cfg.Pipeline.Workers)
	})

	t.Run("不支持的数据库类型返回错误", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ABUSEDESK_DATABASE_TYPE", "oracle")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("数据库缺少DSN返回错误", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ABUSEDESK_DATABASE_TYPE", "mysql")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("XOAUTH2缺少令牌端点返回错误", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ABUSEDESK_IMAP_ADDRESS", "imap.example:993")
		t.Setenv("ABUSEDESK_IMAP_AUTH_TYPE", "xoauth2")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("从配置文件加载", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "server:\n  port: 7070\nclassifier:\n  model: mistral\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		t.Setenv("ABUSEDESK_CONFIG", path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "mistral", cfg.Classifier.Model)
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
}

func TestPipelineSyncBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  PipelineConfig
		want time.Duration
	}{
		{"整除", PipelineConfig{SyncLimit: 8, BatchConcurrency: 4, ItemTimeout: time.Minute}, 2 * time.Minute},
		{"不足一轮按一轮计", PipelineConfig{SyncLimit: 9, BatchConcurrency: 4, ItemTimeout: time.Minute}, 3 * time.Minute},
		{"并发数未设置按串行计", PipelineConfig{SyncLimit: 3, ItemTimeout: time.Second}, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.SyncBudget())
		})
	}
}
