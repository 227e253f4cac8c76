package generation

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// ArkConfig selects a Volcengine Ark chat model.
type ArkConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Region      string
	MaxTokens   int
	Temperature float32
}

// Enabled reports whether enough settings are present to build the model.
func (c ArkConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Model) != ""
}

// NewArkModel builds the production chat model backend.
func NewArkModel(ctx context.Context, cfg ArkConfig) (model.BaseChatModel, error) {
	if !cfg.Enabled() {
		return nil, errors.New("generation: ark api key and model are required")
	}
	arkConfig := &ark.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		arkConfig.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		arkConfig.Temperature = &temperature
	}
	return ark.NewChatModel(ctx, arkConfig)
}
