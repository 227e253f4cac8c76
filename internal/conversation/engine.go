// Package conversation runs one chat turn end to end: access policy, composition, generation,
// settlement and progression.
package conversation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/access"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/composer"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/emotion"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/exchange"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/media"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/memory"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/progression"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxMessageLength is the longest accepted user message in characters.
	MaxMessageLength = 2000

	EventExchange  = "exchange"
	EventLevelUp   = "level-up"
	EventMilestone = "milestone"
	EventVoice     = "voice"

	voiceTaskName = "voice"
)

// Catalog resolves characters.
type Catalog interface {
	Find(ctx context.Context, characterID string) (persona.Character, error)
}

// Relationships loads and mutates relationship records.
type Relationships interface {
	Load(ctx context.Context, userID, characterID string) (relationship.Record, error)
	RecordExchange(ctx context.Context, input relationship.ExchangeInput) (relationship.ExchangeResult, error)
}

// Wallet is the coin ledger.
type Wallet interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Spend(ctx context.Context, request ledger.SpendRequest) (ledger.Receipt, error)
	Credit(ctx context.Context, request ledger.CreditRequest) (ledger.Receipt, error)
	Refunded(ctx context.Context, userID, transactionID string) (bool, error)
}

// Memories reads memory summaries.
type Memories interface {
	Get(ctx context.Context, userID, characterID string) (*memory.Summary, error)
}

// Exchanges records and replays chat turns. RecordTx writes within the relationship transaction.
type Exchanges interface {
	RecordTx(tx *gorm.DB, record exchange.Exchange) (exchange.Exchange, error)
	FindByKey(ctx context.Context, userID, idempotencyKey string) (exchange.Exchange, bool, error)
	Recent(ctx context.Context, userID, characterID string, limit int) ([]exchange.Exchange, error)
}

// Generator produces replies.
type Generator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Reply, error)
}

// Limiter meters messages per identity.
type Limiter interface {
	Allow(ctx context.Context, identity string) ratelimit.Decision
}

// Publisher delivers realtime events to a user's connected clients.
type Publisher interface {
	PublishEvent(userID, eventType string, payload interface{})
}

// Background runs best-effort tasks.
type Background interface {
	Go(name string, task tasks.Task) bool
}

// Config describes the engine's collaborators. Limiter, Publisher, Background, Voice and
// Metrics are optional.
type Config struct {
	Catalog       Catalog
	Relationships Relationships
	Wallet        Wallet
	Memories      Memories
	Exchanges     Exchanges
	Generator     Generator
	Ladder        *progression.Ladder
	IDProvider    ids.Provider
	Limiter       Limiter
	Publisher     Publisher
	Background    Background
	Voice         media.VoiceSynthesizer
	Metrics       *metrics.Recorder
	XPPerExchange int64
	HistoryLimit  int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Engine orchestrates chat turns. It holds no mutable state of its own.
type Engine struct {
	catalog       Catalog
	relationships Relationships
	wallet        Wallet
	memories      Memories
	exchanges     Exchanges
	generator     Generator
	ladder        *progression.Ladder
	idProvider    ids.Provider
	limiter       Limiter
	publisher     Publisher
	background    Background
	voice         media.VoiceSynthesizer
	metrics       *metrics.Recorder
	xpPerExchange int64
	historyLimit  int
	clock         func() time.Time
	logger        *zap.Logger
}

// Message is one inbound chat message.
type Message struct {
	UserID         string
	CharacterID    string
	Text           string
	IdempotencyKey string
}

// RelationshipView is the relationship state reported with every reply.
type RelationshipView struct {
	Level                 int   `json:"level"`
	XP                    int64 `json:"xp"`
	LeveledUp             bool  `json:"leveled_up"`
	NewLevel              *int  `json:"new_level,omitempty"`
	FreeMessagesRemaining *int  `json:"free_messages_remaining,omitempty"`
}

// Result is what the caller receives for one exchange.
type Result struct {
	ExchangeID   string                  `json:"exchange_id"`
	ReplyText    string                  `json:"reply_text"`
	Emotion      emotion.Label           `json:"emotion"`
	Consumed     access.Kind             `json:"consumed"`
	Relationship RelationshipView        `json:"relationship"`
	Milestones   []progression.Milestone `json:"milestones,omitempty"`
	CoinBalance  int64                   `json:"coin_balance"`
	Replayed     bool                    `json:"replayed"`
}

// NewEngine validates the required collaborators.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, errors.New("conversation: catalog is required")
	case cfg.Relationships == nil:
		return nil, errors.New("conversation: relationship store is required")
	case cfg.Wallet == nil:
		return nil, errors.New("conversation: wallet is required")
	case cfg.Memories == nil:
		return nil, errors.New("conversation: memory store is required")
	case cfg.Exchanges == nil:
		return nil, errors.New("conversation: exchange store is required")
	case cfg.Generator == nil:
		return nil, errors.New("conversation: generator is required")
	case cfg.Ladder == nil:
		return nil, errors.New("conversation: progression ladder is required")
	case cfg.IDProvider == nil:
		return nil, errors.New("conversation: id provider is required")
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	voice := cfg.Voice
	if voice == nil {
		voice = media.Disabled{}
	}
	xp := cfg.XPPerExchange
	if xp <= 0 {
		xp = progression.DefaultXPPerExchange
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = generation.DefaultHistoryLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog:       cfg.Catalog,
		relationships: cfg.Relationships,
		wallet:        cfg.Wallet,
		memories:      cfg.Memories,
		exchanges:     cfg.Exchanges,
		generator:     cfg.Generator,
		ladder:        cfg.Ladder,
		idProvider:    cfg.IDProvider,
		limiter:       limiter,
		publisher:     cfg.Publisher,
		background:    cfg.Background,
		voice:         voice,
		metrics:       cfg.Metrics,
		xpPerExchange: xp,
		historyLimit:  historyLimit,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Send processes one inbound message. A message whose idempotency key was already recorded returns
// the recorded result without charging or awarding XP again.
func (e *Engine) Send(ctx context.Context, message Message) (Result, error) {
	userID := strings.TrimSpace(message.UserID)
	if userID == "" {
		return Result{}, ErrUnauthorized
	}
	characterID := strings.TrimSpace(message.CharacterID)
	text := strings.TrimSpace(message.Text)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		return Result{}, ErrInvalidMessage
	}

	if decision := e.limiter.Allow(ctx, userID); !decision.Allowed {
		e.metrics.RateLimited()
		return Result{}, ErrRateLimited
	}

	character, err := e.catalog.Find(ctx, characterID)
	if errors.Is(err, persona.ErrCharacterNotFound) {
		return Result{}, ErrCharacterNotFound
	}
	if err != nil {
		return Result{}, storageError(err)
	}

	idempotencyKey := strings.TrimSpace(message.IdempotencyKey)
	if idempotencyKey == "" {
		generated, err := e.idProvider.NewID()
		if err != nil {
			return Result{}, storageError(err)
		}
		idempotencyKey = generated
	} else {
		recorded, found, err := e.exchanges.FindByKey(ctx, userID, idempotencyKey)
		if err != nil {
			return Result{}, storageError(err)
		}
		if found {
			if recorded.CharacterID != character.ID {
				return Result{}, ErrInvalidMessage
			}
			return e.replay(ctx, recorded, character), nil
		}
	}

	record, err := e.relationships.Load(ctx, userID, character.ID)
	if err != nil {
		return Result{}, storageError(err)
	}
	balance, err := e.wallet.Balance(ctx, userID)
	if err != nil {
		return Result{}, storageError(err)
	}

	decision := evaluate(record, balance, character)
	e.metrics.AccessDecision(string(decision.Kind))
	if !decision.Allowed() {
		return Result{}, &AccessDeniedError{Decision: decision}
	}

	request, err := e.compose(ctx, character, record, text)
	if err != nil {
		return Result{}, err
	}

	started := e.clock()
	reply, err := e.generator.Generate(ctx, request)
	elapsed := e.clock().Sub(started)
	if err != nil {
		e.metrics.Generation("unavailable", elapsed)
		e.logger.Warn("reply generation failed",
			zap.String("user_id", userID),
			zap.String("character_id", character.ID),
			zap.Error(err))
		return Result{}, errors.Join(ErrGenerationUnavailable, err)
	}
	e.metrics.Generation("ok", elapsed)

	settled, err := e.settle(ctx, userID, character, decision, exchange.Exchange{
		UserID:         userID,
		CharacterID:    character.ID,
		IdempotencyKey: idempotencyKey,
		UserText:       text,
		UserEmotion:    string(emotion.Classify(text)),
		ReplyText:      reply.Text,
		ReplyEmotion:   string(reply.Emotion),
	})
	if err != nil {
		return Result{}, err
	}
	if settled.recorded != nil {
		return e.replay(ctx, *settled.recorded, character), nil
	}

	turn := settled.turn
	result := e.buildResult(turn, character, settled.progress.Record, settled.progress.Outcome.Milestones, settled.balance)
	e.afterExchange(userID, character, turn, result)
	return result, nil
}

// evaluate maps the stored relationship, the wallet and the character terms onto the access policy.
func evaluate(record relationship.Record, balance int64, character persona.Character) access.Decision {
	return access.Evaluate(
		access.Plan{CoinBalance: balance},
		access.Usage{IsFanclub: record.IsFanclub, MonthlyFreeMessagesUsed: record.MonthlyFreeMessagesUsed},
		access.Terms{
			FreeMessageLimit: character.FreeMessageLimit,
			MessageCost:      character.MessageCost,
			FanclubPrice:     character.FanclubPrice,
			Currency:         character.Currency,
		},
	)
}

func (e *Engine) compose(ctx context.Context, character persona.Character, record relationship.Record, text string) (generation.Request, error) {
	summary, err := e.memories.Get(ctx, record.UserID, character.ID)
	if err != nil {
		return generation.Request{}, storageError(err)
	}
	recent, err := e.exchanges.Recent(ctx, record.UserID, character.ID, (e.historyLimit+1)/2)
	if err != nil {
		return generation.Request{}, storageError(err)
	}
	history := make([]generation.Message, 0, len(recent)*2)
	for _, turn := range recent {
		history = append(history,
			generation.Message{Role: generation.RoleUser, Content: turn.UserText},
			generation.Message{Role: generation.RoleCharacter, Content: turn.ReplyText},
		)
	}
	standing := composer.Standing{
		Level:         record.Level,
		TotalMessages: record.TotalMessages,
		IsFanclub:     record.IsFanclub,
		IsFollowing:   record.IsFollowing,
	}
	return composer.Compose(character, standing, summary, history, text), nil
}

type settlement struct {
	consumed access.Kind
	receipt  *ledger.Receipt
	progress relationship.ExchangeResult
	turn     exchange.Exchange
	balance  int64
	// recorded is set when the key was already recorded by a concurrent send.
	recorded *exchange.Exchange
}

// settle charges the turn, applies it to the relationship and records the exchange. The relationship
// update and the exchange row commit together, so a key is applied at most once. Coins are only
// debited after the reply exists. A free slot lost to a concurrent exchange falls back to the coin
// path, and a debit whose turn could not be recorded is refunded.
func (e *Engine) settle(ctx context.Context, userID string, character persona.Character, decision access.Decision, turn exchange.Exchange) (settlement, error) {
	outcome := settlement{consumed: decision.Kind, balance: decision.CoinBalance}

	if outcome.consumed == access.KindCoinRequired {
		receipt, err := e.spend(ctx, userID, character, decision, turn.IdempotencyKey)
		if err != nil {
			return settlement{}, err
		}
		outcome.receipt = &receipt
		outcome.balance = receipt.NewBalance
	}

	apply := func(consumeFree bool) (relationship.ExchangeResult, error) {
		return e.relationships.RecordExchange(ctx, relationship.ExchangeInput{
			UserID:           userID,
			CharacterID:      character.ID,
			XPAward:          e.xpPerExchange,
			ConsumeFreeQuota: consumeFree,
			FreeMessageLimit: character.FreeMessageLimit,
			Persist: func(tx *gorm.DB, progress relationship.ExchangeResult) error {
				stored, err := e.exchanges.RecordTx(tx, outcome.complete(turn, progress))
				if err != nil {
					return err
				}
				outcome.turn = stored
				return nil
			},
		})
	}

	progress, err := apply(outcome.consumed == access.KindFree)
	if errors.Is(err, relationship.ErrFreeQuotaExhausted) {
		if recorded, found, findErr := e.exchanges.FindByKey(ctx, userID, turn.IdempotencyKey); findErr == nil && found {
			return settlement{recorded: &recorded}, nil
		}
		e.logger.Info("free slot taken concurrently, charging coins",
			zap.String("user_id", userID),
			zap.String("character_id", character.ID))
		balance, balanceErr := e.wallet.Balance(ctx, userID)
		if balanceErr != nil {
			return settlement{}, storageError(balanceErr)
		}
		fallback := decision
		fallback.FreeMessagesRemaining = 0
		fallback.CoinBalance = balance
		if balance < character.MessageCost {
			return settlement{}, &AccessDeniedError{Decision: fallback.Revoke(balance)}
		}
		receipt, spendErr := e.spend(ctx, userID, character, fallback, turn.IdempotencyKey)
		if spendErr != nil {
			return settlement{}, spendErr
		}
		outcome.consumed = access.KindCoinRequired
		outcome.receipt = &receipt
		outcome.balance = receipt.NewBalance
		progress, err = apply(false)
	}
	if errors.Is(err, exchange.ErrDuplicate) {
		e.logger.Warn("exchange recorded concurrently under the same key",
			zap.String("user_id", userID),
			zap.String("idempotency_key", turn.IdempotencyKey))
		recorded, found, findErr := e.exchanges.FindByKey(ctx, userID, turn.IdempotencyKey)
		if findErr != nil {
			return settlement{}, storageError(findErr)
		}
		if !found || !chargedBy(recorded, outcome.receipt) {
			e.refund(ctx, userID, character, outcome.receipt)
		}
		if !found {
			return settlement{}, storageError(err)
		}
		return settlement{recorded: &recorded}, nil
	}
	if err != nil {
		e.refund(ctx, userID, character, outcome.receipt)
		return settlement{}, storageError(err)
	}
	outcome.progress = progress
	return outcome, nil
}

// complete fills the settlement fields of a turn from the applied progression.
func (s settlement) complete(turn exchange.Exchange, progress relationship.ExchangeResult) exchange.Exchange {
	turn.Consumed = s.consumed
	turn.XPAwarded = progress.Outcome.XPAwarded
	turn.XPAfter = progress.Outcome.Current.XP
	turn.LevelBefore = progress.Outcome.Previous.Level
	turn.LevelAfter = progress.Outcome.Current.Level
	if s.receipt != nil {
		transactionID := s.receipt.TransactionID
		turn.TransactionID = &transactionID
	}
	return turn
}

// spend debits the message cost under the turn's key. A debit already recorded under that key is
// reused unless it was refunded, in which case the turn is charged again under a key derived from
// the refunded transaction.
func (e *Engine) spend(ctx context.Context, userID string, character persona.Character, decision access.Decision, idempotencyKey string) (ledger.Receipt, error) {
	key := chatSpendKey(character.ID, idempotencyKey)
	for {
		receipt, err := e.wallet.Spend(ctx, ledger.SpendRequest{
			UserID:         userID,
			Amount:         character.MessageCost,
			IdempotencyKey: key,
			Type:           ledger.TypeChatExtra,
		})
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			e.metrics.LedgerOperation("spend", "insufficient_funds")
			balance, balanceErr := e.wallet.Balance(ctx, userID)
			if balanceErr != nil {
				balance = 0
			}
			return ledger.Receipt{}, &AccessDeniedError{Decision: decision.Revoke(balance)}
		}
		if err != nil {
			e.metrics.LedgerOperation("spend", "error")
			return ledger.Receipt{}, storageError(err)
		}
		if !receipt.Replayed {
			e.metrics.LedgerOperation("spend", "ok")
			return receipt, nil
		}
		refunded, err := e.wallet.Refunded(ctx, userID, receipt.TransactionID)
		if err != nil {
			return ledger.Receipt{}, storageError(err)
		}
		if !refunded {
			e.metrics.LedgerOperation("spend", "replayed")
			return receipt, nil
		}
		key = rechargeSpendKey(receipt.TransactionID)
	}
}

// refund compensates a debit made by this send. Replayed debits belong to an earlier send and are kept.
func (e *Engine) refund(ctx context.Context, userID string, character persona.Character, receipt *ledger.Receipt) {
	if receipt == nil || receipt.Replayed {
		return
	}
	_, err := e.wallet.Credit(ctx, ledger.CreditRequest{
		UserID: userID,
		Amount: character.MessageCost,
		Type:   ledger.TypeRefund,
		RefID:  ledger.RefundRef(receipt.TransactionID),
	})
	if err != nil {
		e.metrics.LedgerOperation("refund", "error")
		e.logger.Error("compensating refund failed",
			zap.String("user_id", userID),
			zap.String("transaction_id", receipt.TransactionID),
			zap.Error(err))
		return
	}
	e.metrics.LedgerOperation("refund", "ok")
}

// chargedBy reports whether the recorded exchange was paid with the debit of receipt.
func chargedBy(recorded exchange.Exchange, receipt *ledger.Receipt) bool {
	return receipt != nil && recorded.TransactionID != nil && *recorded.TransactionID == receipt.TransactionID
}

func rechargeSpendKey(refundedTransactionID string) string {
	return "chat-retry:" + refundedTransactionID
}

func chatSpendKey(characterID, idempotencyKey string) string {
	return "chat:" + characterID + ":" + idempotencyKey
}

// replay rebuilds the result of an already recorded exchange.
func (e *Engine) replay(ctx context.Context, recorded exchange.Exchange, character persona.Character) Result {
	record, err := e.relationships.Load(ctx, recorded.UserID, recorded.CharacterID)
	if err != nil {
		record = relationship.Record{IsFanclub: recorded.Consumed == access.KindFanclubUnlimited}
	}
	balance, err := e.wallet.Balance(ctx, recorded.UserID)
	if err != nil {
		balance = 0
	}
	var milestones []progression.Milestone
	for level := recorded.LevelBefore + 1; level <= recorded.LevelAfter; level++ {
		if milestone, ok := e.ladder.Milestone(level); ok {
			milestones = append(milestones, milestone)
		}
	}
	result := e.buildResult(recorded, character, record, milestones, balance)
	result.Replayed = true
	return result
}

func (e *Engine) buildResult(turn exchange.Exchange, character persona.Character, record relationship.Record, milestones []progression.Milestone, balance int64) Result {
	view := RelationshipView{
		Level:     turn.LevelAfter,
		XP:        turn.XPAfter,
		LeveledUp: turn.LevelAfter > turn.LevelBefore,
	}
	if view.LeveledUp {
		newLevel := turn.LevelAfter
		view.NewLevel = &newLevel
	}
	if !record.IsFanclub {
		remaining := record.FreeMessagesRemaining(character.FreeMessageLimit)
		view.FreeMessagesRemaining = &remaining
	}
	return Result{
		ExchangeID:   turn.ID,
		ReplyText:    turn.ReplyText,
		Emotion:      emotion.Label(turn.ReplyEmotion),
		Consumed:     turn.Consumed,
		Relationship: view,
		Milestones:   milestones,
		CoinBalance:  balance,
	}
}

// afterExchange emits notifications, metrics and best-effort voice rendering. None of it can fail the turn.
func (e *Engine) afterExchange(userID string, character persona.Character, turn exchange.Exchange, result Result) {
	e.metrics.Exchange(string(result.Consumed))
	if result.Relationship.LeveledUp {
		e.metrics.LevelUp()
	}
	for _, milestone := range result.Milestones {
		e.metrics.Milestone(strconv.Itoa(milestone.Level))
	}

	if e.publisher != nil {
		e.publisher.PublishEvent(userID, EventExchange, map[string]interface{}{
			"exchange_id":  result.ExchangeID,
			"character_id": character.ID,
			"consumed":     result.Consumed,
			"level":        result.Relationship.Level,
			"xp":           result.Relationship.XP,
			"coin_balance": result.CoinBalance,
		})
		if result.Relationship.LeveledUp {
			e.publisher.PublishEvent(userID, EventLevelUp, map[string]interface{}{
				"character_id": character.ID,
				"level":        result.Relationship.Level,
			})
		}
		for _, milestone := range result.Milestones {
			e.publisher.PublishEvent(userID, EventMilestone, map[string]interface{}{
				"character_id": character.ID,
				"milestone":    milestone,
			})
		}
	}

	if e.background == nil || turn.ID == "" {
		return
	}
	request := media.VoiceRequest{
		UserID:      userID,
		CharacterID: character.ID,
		ExchangeID:  turn.ID,
		Text:        turn.ReplyText,
		Emotion:     turn.ReplyEmotion,
	}
	e.background.Go(voiceTaskName, func(ctx context.Context) error {
		clip, err := e.voice.Synthesize(ctx, request)
		if errors.Is(err, media.ErrVoiceDisabled) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.publisher != nil {
			e.publisher.PublishEvent(userID, EventVoice, map[string]interface{}{
				"exchange_id": request.ExchangeID,
				"url":         clip.URL,
			})
		}
		return nil
	})
}
