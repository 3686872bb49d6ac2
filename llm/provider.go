package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	defaultBaseURL      = "https://api.siliconflow.cn/v1"
	defaultModel        = "Qwen/Qwen2.5-7B-Instruct"
	defaultProviderCode = "DEFAULT"
	defaultProviderName = "SiliconFlow (Default)"
	defaultTemperature  = 0.7
	minMaxTokens        = 4096
	defaultTimeout      = 60 * time.Second
)

var errAPIKeyMissing = errors.New("llm: api key is not configured")

// Settings 描述一次生成调用所需的全部参数。
type Settings struct {
	ProviderCode string
	ProviderName string
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return errAPIKeyMissing
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		return errors.New("llm: base url is not configured")
	}
	if strings.TrimSpace(s.Model) == "" {
		return errors.New("llm: chat model is not configured")
	}
	return nil
}

// Describe 返回写入问答历史的模型标识，格式为 "供应商 - 模型"。
func (s Settings) Describe() string {
	return s.ProviderName + " - " + s.Model
}

// normalize 补齐默认值：负温度回退到 0.7（0 表示确定性输出，保留），max_tokens 至少 4096。
func (s Settings) normalize() Settings {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	s.Model = strings.TrimSpace(s.Model)
	s.APIKey = strings.TrimSpace(s.APIKey)
	if s.Temperature < 0 {
		s.Temperature = defaultTemperature
	}
	if s.MaxTokens < minMaxTokens {
		s.MaxTokens = minMaxTokens
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	return s
}

// SettingsFromEnv 读取 LLM_* 环境变量作为默认供应商配置。
func SettingsFromEnv() Settings {
	settings := Settings{
		ProviderCode: defaultProviderCode,
		ProviderName: defaultProviderName,
		BaseURL:      defaultBaseURL,
		APIKey:       strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		Model:        defaultModel,
		Temperature:  defaultTemperature,
		MaxTokens:    minMaxTokens,
		Timeout:      defaultTimeout,
	}
	if v := strings.TrimSpace(os.Getenv("LLM_BASE_URL")); v != "" {
		settings.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MODEL_ID")); v != "" {
		settings.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER_NAME")); v != "" {
		settings.ProviderName = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_TEMPERATURE")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			settings.Temperature = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MAX_TOKENS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			settings.MaxTokens = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			settings.Timeout = parsed
		}
	}
	return settings.normalize()
}

// ProviderConfig 对应 ai_provider_configs 表，同一时间只有一条记录处于启用状态。
type ProviderConfig struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderCode string    `gorm:"size:64;not null;uniqueIndex" json:"provider_code"`
	ProviderName string    `gorm:"size:128;not null" json:"provider_name"`
	BaseURL      string    `gorm:"size:255;not null" json:"base_url"`
	APIKey       string    `gorm:"type:text" json:"-"`
	ChatModel    string    `gorm:"size:128;not null" json:"chat_model"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	IsActive     bool      `gorm:"not null;default:false;index" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (ProviderConfig) TableName() string {
	return "ai_provider_configs"
}

// Migrate 创建供应商配置表。
func Migrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("llm: database is not configured")
	}
	if err := db.AutoMigrate(&ProviderConfig{}); err != nil {
		return fmt.Errorf("llm: migrate provider configs: %w", err)
	}
	return nil
}

// SettingsResolver 从数据库启用的供应商配置解析生成参数，没有启用配置时回退到环境变量默认值。
type SettingsResolver struct {
	db       *gorm.DB
	cipher   *KeyCipher
	defaults Settings
}

func NewSettingsResolver(db *gorm.DB, keyCipher *KeyCipher, defaults Settings) *SettingsResolver {
	return &SettingsResolver{db: db, cipher: keyCipher, defaults: defaults.normalize()}
}

// Resolve 返回当前生效的配置。
func (r *SettingsResolver) Resolve(ctx context.Context) (Settings, error) {
	if r.db == nil {
		return r.checked(r.defaults)
	}

	var cfg ProviderConfig
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("updated_at DESC").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.checked(r.defaults)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("llm: load active provider: %w", err)
	}

	apiKey, err := r.cipher.Decrypt(cfg.APIKey)
	if err != nil {
		return Settings{}, err
	}
	settings := Settings{
		ProviderCode: cfg.ProviderCode,
		ProviderName: cfg.ProviderName,
		BaseURL:      cfg.BaseURL,
		APIKey:       apiKey,
		Model:        cfg.ChatModel,
		Temperature:  defaultTemperature,
		Timeout:      r.defaults.Timeout,
	}
	if cfg.Temperature != nil {
		settings.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		settings.MaxTokens = *cfg.MaxTokens
	}
	if strings.TrimSpace(settings.BaseURL) == "" {
		settings.BaseURL = r.defaults.BaseURL
	}
	if strings.TrimSpace(settings.ProviderName) == "" {
		settings.ProviderName = settings.ProviderCode
	}
	return r.checked(settings.normalize())
}

func (r *SettingsResolver) checked(settings Settings) (Settings, error) {
	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}
