package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/emotion"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one backend call.
	DefaultTimeout = 30 * time.Second
	// DefaultHistoryLimit is the number of prior messages sent with each request.
	DefaultHistoryLimit = 10
)

var (
	// ErrUnavailable indicates the backend failed, timed out or is shedding load.
	ErrUnavailable = errors.New("generation: backend unavailable")

	errMissingModel = errors.New("generation: chat model is required")
	errEmptyReply   = errors.New("generation: backend returned an empty reply")
)

// AdapterConfig describes the dependencies of the adapter.
type AdapterConfig struct {
	Model        model.BaseChatModel
	Timeout      time.Duration
	HistoryLimit int
	// BreakerName labels the circuit breaker in logs.
	BreakerName string
	Logger      *zap.Logger
}

// Adapter calls the chat model with a timeout behind a circuit breaker.
type Adapter struct {
	model        model.BaseChatModel
	timeout      time.Duration
	historyLimit int
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// NewAdapter constructs a generation adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Model == nil {
		return nil, errMissingModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit < 0 {
		historyLimit = 0
	} else if historyLimit == 0 {
		historyLimit = DefaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.BreakerName
	if name == "" {
		name = "generation-backend"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("generation circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Adapter{
		model:        cfg.Model,
		timeout:      timeout,
		historyLimit: historyLimit,
		breaker:      breaker,
		logger:       logger,
	}, nil
}

// Generate produces the character's reply and classifies its emotion.
// Every failure, including a timeout, is reported as ErrUnavailable.
func (a *Adapter) Generate(ctx context.Context, request Request) (Reply, error) {
	messages := a.buildMessages(request)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	started := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		response, err := a.model.Generate(callCtx, messages)
		if err != nil {
			return nil, err
		}
		if response == nil || strings.TrimSpace(response.Content) == "" {
			return nil, errEmptyReply
		}
		return response.Content, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			a.logger.Warn("generation rejected by circuit breaker", zap.Error(err))
		} else {
			a.logger.Error("generation failed",
				zap.Duration("elapsed", time.Since(started)),
				zap.Int("history_messages", len(messages)-2),
				zap.Error(err))
		}
		return Reply{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	text := strings.TrimSpace(result.(string))
	return Reply{Text: text, Emotion: emotion.Classify(text)}, nil
}

func (a *Adapter) buildMessages(request Request) []*schema.Message {
	history := request.History
	if len(history) > a.historyLimit {
		history = history[len(history)-a.historyLimit:]
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(request.SystemInstruction))
	for _, message := range history {
		content := strings.TrimSpace(message.Content)
		if content == "" {
			continue
		}
		switch message.Role {
		case RoleUser:
			messages = append(messages, schema.UserMessage(content))
		case RoleCharacter:
			messages = append(messages, schema.AssistantMessage(content, nil))
		}
	}
	messages = append(messages, schema.UserMessage(request.Prompt))
	return messages
}
