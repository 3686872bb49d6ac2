package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func envDefaults() Settings {
	return Settings{
		ProviderCode: defaultProviderCode,
		ProviderName: defaultProviderName,
		BaseURL:      "https://env.example/v1",
		APIKey:       "sk-env",
		Model:        "env-model",
		Temperature:  defaultTemperature,
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", " sk-env ")
	t.Setenv("LLM_BASE_URL", "https://llm.example/v1/")
	t.Setenv("LLM_MODEL_ID", "qwen-test")
	t.Setenv("LLM_PROVIDER_NAME", "")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("LLM_MAX_TOKENS", "512")
	t.Setenv("LLM_TIMEOUT", "bogus")

	settings := SettingsFromEnv()
	assert.Equal(t, "sk-env", settings.APIKey)
	assert.Equal(t, "https://llm.example/v1", settings.BaseURL)
	assert.Equal(t, "qwen-test", settings.Model)
	assert.Equal(t, defaultProviderName, settings.ProviderName)
	assert.InDelta(t, 0.2, settings.Temperature, 1e-9)
	assert.Equal(t, minMaxTokens, settings.MaxTokens)
	assert.Equal(t, defaultTimeout, settings.Timeout)
	assert.Equal(t, "SiliconFlow (Default) - qwen-test", settings.Describe())
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	resolver := NewSettingsResolver(newTestDB(t), nil, envDefaults())

	settings, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-model", settings.Model)
	assert.Equal(t, defaultProviderCode, settings.ProviderCode)
	assert.InDelta(t, defaultTemperature, settings.Temperature, 1e-9)
	assert.Equal(t, minMaxTokens, settings.MaxTokens)
}

func TestResolveWithoutKeyFails(t *testing.T) {
	defaults := envDefaults()
	defaults.APIKey = ""
	resolver := NewSettingsResolver(nil, nil, defaults)

	_, err := resolver.Resolve(context.Background())
	require.ErrorIs(t, err, errAPIKeyMissing)
}

func TestResolveUsesActiveProvider(t *testing.T) {
	db := newTestDB(t)
	keyCipher, err := NewKeyCipher("secret")
	require.NoError(t, err)
	sealed, err := keyCipher.Encrypt("sk-db")
	require.NoError(t, err)

	temperature := 0.4
	maxTokens := 1000
	require.NoError(t, db.Create(&ProviderConfig{
		ProviderCode: "OLD", ProviderName: "Old", BaseURL: "https://old.example", APIKey: "sk-old",
		ChatModel: "old-model", IsActive: false,
	}).Error)
	require.NoError(t, db.Create(&ProviderConfig{
		ProviderCode: "DEEPSEEK", ProviderName: "DeepSeek", BaseURL: "https://api.deepseek.example/v1/",
		APIKey: sealed, ChatModel: "deepseek-chat", Temperature: &temperature, MaxTokens: &maxTokens,
		IsActive: true, UpdatedAt: time.Now(),
	}).Error)

	settings, err := NewSettingsResolver(db, keyCipher, envDefaults()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DEEPSEEK", settings.ProviderCode)
	assert.Equal(t, "https://api.deepseek.example/v1", settings.BaseURL)
	assert.Equal(t, "sk-db", settings.APIKey)
	assert.Equal(t, "deepseek-chat", settings.Model)
	assert.InDelta(t, 0.4, settings.Temperature, 1e-9)
	assert.Equal(t, minMaxTokens, settings.MaxTokens)
	assert.Equal(t, "DeepSeek - deepseek-chat", settings.Describe())
}

func TestResolveActiveProviderWithoutTuning(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&ProviderConfig{
		ProviderCode: "LOCAL", BaseURL: "", APIKey: "sk-plain-key", ChatModel: "local-model", IsActive: true,
	}).Error)

	settings, err := NewSettingsResolver(db, nil, envDefaults()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://env.example/v1", settings.BaseURL)
	assert.Equal(t, "LOCAL", settings.ProviderName)
	assert.Equal(t, "sk-plain-key", settings.APIKey)
	assert.InDelta(t, defaultTemperature, settings.Temperature, 1e-9)
	assert.Equal(t, minMaxTokens, settings.MaxTokens)
}

func TestZeroTemperatureIsKept(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-env")
	t.Setenv("LLM_TEMPERATURE", "0")
	assert.Zero(t, SettingsFromEnv().Temperature)

	t.Setenv("LLM_TEMPERATURE", "-1")
	assert.InDelta(t, defaultTemperature, SettingsFromEnv().Temperature, 1e-9)

	db := newTestDB(t)
	zero := 0.0
	require.NoError(t, db.Create(&ProviderConfig{
		ProviderCode: "LOCAL", BaseURL: "https://local.example/v1", APIKey: "sk-plain-key",
		ChatModel: "local-model", Temperature: &zero, IsActive: true,
	}).Error)

	settings, err := NewSettingsResolver(db, nil, envDefaults()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settings.Temperature)
}
