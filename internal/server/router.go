package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/conversation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/memory"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "companion_user_id"

	internalKeyHeader    = "X-Internal-Key"
	idempotencyKeyHeader = "Idempotency-Key"

	defaultHeartbeatInterval = 25 * time.Second
	defaultWalletHistory     = 20
)

var (
	errMissingEngine        = errors.New("conversation engine dependency required")
	errMissingCatalog       = errors.New("character catalog dependency required")
	errMissingRelationships = errors.New("relationship store dependency required")
	errMissingWallet        = errors.New("wallet dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingUsers         = errors.New("user resolver dependency required")
)

type ConversationEngine interface {
	Send(ctx context.Context, message conversation.Message) (conversation.Result, error)
	Status(ctx context.Context, userID, characterID string) (conversation.Status, error)
}

type CharacterCatalog interface {
	List(ctx context.Context) ([]persona.Character, error)
	Find(ctx context.Context, characterID string) (persona.Character, error)
}

type RelationshipFlags interface {
	SetFollowing(ctx context.Context, userID, characterID string, following bool) (relationship.Record, error)
	SetFanclub(ctx context.Context, userID, characterID string, member bool) (relationship.Record, error)
}

type WalletService interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
	Credit(ctx context.Context, request ledger.CreditRequest) (ledger.Receipt, error)
}

type MemoryWriter interface {
	Save(ctx context.Context, summary memory.Summary) (memory.Summary, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Dependencies wires the HTTP surface. Memories, Realtime, Metrics and InternalAPIKey are optional;
// the internal routes are only mounted when InternalAPIKey is set. Cross-origin requests, with
// credentials, are only answered for AllowedOrigins.
type Dependencies struct {
	Engine            ConversationEngine
	Catalog           CharacterCatalog
	Relationships     RelationshipFlags
	Wallet            WalletService
	Memories          MemoryWriter
	Sessions          SessionValidator
	Users             UserResolver
	Realtime          *RealtimeDispatcher
	Metrics           http.Handler
	InternalAPIKey    string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Engine == nil:
		return nil, errMissingEngine
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Relationships == nil:
		return nil, errMissingRelationships
	case deps.Wallet == nil:
		return nil, errMissingWallet
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Users == nil:
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		engine:            deps.Engine,
		catalog:           deps.Catalog,
		relationships:     deps.Relationships,
		wallet:            deps.Wallet,
		memories:          deps.Memories,
		sessions:          deps.Sessions,
		users:             deps.Users,
		realtime:          deps.Realtime,
		internalKey:       strings.TrimSpace(deps.InternalAPIKey),
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/characters", handler.handleListCharacters)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/characters/:characterID/messages", handler.handleSendMessage)
	protected.GET("/characters/:characterID/relationship", handler.handleRelationshipStatus)
	protected.PUT("/characters/:characterID/follow", handler.handleFollow)
	protected.GET("/wallet", handler.handleWallet)
	if handler.realtime != nil {
		protected.GET("/events", handler.handleEvents)
	}

	if handler.internalKey != "" {
		internal := router.Group("/internal")
		internal.Use(handler.authorizeInternal)
		internal.POST("/wallets/:userID/credits", handler.handleCredit)
		internal.PUT("/relationships/:userID/:characterID/fanclub", handler.handleFanclub)
		if handler.memories != nil {
			internal.PUT("/memories/:userID/:characterID", handler.handleSaveMemory)
		}
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", idempotencyKeyHeader, "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	engine            ConversationEngine
	catalog           CharacterCatalog
	relationships     RelationshipFlags
	wallet            WalletService
	memories          MemoryWriter
	sessions          SessionValidator
	users             UserResolver
	realtime          *RealtimeDispatcher
	internalKey       string
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type characterPayload struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Title            string          `json:"title"`
	OpeningLine      string          `json:"opening_line"`
	FreeMessageLimit int             `json:"free_message_limit"`
	MessageCost      int64           `json:"message_cost"`
	FanclubPrice     decimal.Decimal `json:"fanclub_price"`
	Currency         string          `json:"currency"`
}

func (h *httpHandler) handleListCharacters(c *gin.Context) {
	characters, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.writeStorageError(c, "character list failed", err)
		return
	}
	response := make([]characterPayload, 0, len(characters))
	for _, character := range characters {
		response = append(response, characterPayload{
			ID:               character.ID,
			Name:             character.Name,
			Title:            character.Title,
			OpeningLine:      character.OpeningLine,
			FreeMessageLimit: character.FreeMessageLimit,
			MessageCost:      character.MessageCost,
			FanclubPrice:     character.FanclubPrice,
			Currency:         character.Currency,
		})
	}
	c.JSON(http.StatusOK, gin.H{"characters": response})
}

type sendMessagePayload struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	idempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	}

	result, err := h.engine.Send(c.Request.Context(), conversation.Message{
		UserID:         c.GetString(userIDContextKey),
		CharacterID:    c.Param("characterID"),
		Text:           request.Text,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		h.writeConversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRelationshipStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context(), c.GetString(userIDContextKey), c.Param("characterID"))
	if err != nil {
		h.writeConversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type followPayload struct {
	Following *bool `json:"following"`
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	var request followPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Following == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	h.updateFlag(c, userID, c.Param("characterID"), func(ctx context.Context, characterID string) error {
		_, err := h.relationships.SetFollowing(ctx, userID, characterID, *request.Following)
		return err
	})
}

type fanclubPayload struct {
	Member *bool `json:"member"`
}

func (h *httpHandler) handleFanclub(c *gin.Context) {
	var request fanclubPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Member == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(c.Param("userID"))
	h.updateFlag(c, userID, c.Param("characterID"), func(ctx context.Context, characterID string) error {
		_, err := h.relationships.SetFanclub(ctx, userID, characterID, *request.Member)
		return err
	})
}

// updateFlag applies a relationship flag change to an existing character and responds with the new status.
func (h *httpHandler) updateFlag(c *gin.Context, userID, characterID string, apply func(ctx context.Context, characterID string) error) {
	ctx := c.Request.Context()
	character, err := h.catalog.Find(ctx, characterID)
	if errors.Is(err, persona.ErrCharacterNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "character_not_found"})
		return
	}
	if err != nil {
		h.writeStorageError(c, "character lookup failed", err)
		return
	}
	if err := apply(ctx, character.ID); err != nil {
		if errors.Is(err, relationship.ErrInvalidIdentifier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier"})
			return
		}
		h.writeStorageError(c, "relationship update failed", err)
		return
	}
	status, err := h.engine.Status(ctx, userID, character.ID)
	if err != nil {
		h.writeConversationError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type walletPayload struct {
	Balance      int64                `json:"balance"`
	Transactions []ledger.Transaction `json:"transactions"`
}

func (h *httpHandler) handleWallet(c *gin.Context) {
	limit := defaultWalletHistory
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	userID := c.GetString(userIDContextKey)
	balance, err := h.wallet.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeStorageError(c, "wallet balance failed", err)
		return
	}
	transactions, err := h.wallet.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeStorageError(c, "wallet history failed", err)
		return
	}
	if transactions == nil {
		transactions = []ledger.Transaction{}
	}
	c.JSON(http.StatusOK, walletPayload{Balance: balance, Transactions: transactions})
}

type creditPayload struct {
	Amount int64  `json:"amount"`
	Type   string `json:"type"`
	RefID  string `json:"ref_id"`
}

func (h *httpHandler) handleCredit(c *gin.Context) {
	var request creditPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	transactionType := ledger.TransactionType(strings.ToUpper(strings.TrimSpace(request.Type)))
	if transactionType == "" {
		transactionType = ledger.TypePurchase
	}
	receipt, err := h.wallet.Credit(c.Request.Context(), ledger.CreditRequest{
		UserID: c.Param("userID"),
		Amount: request.Amount,
		Type:   transactionType,
		RefID:  request.RefID,
	})
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidType), errors.Is(err, ledger.ErrInvalidUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credit"})
		return
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "ref_id_conflict"})
		return
	case err != nil:
		h.writeStorageError(c, "wallet credit failed", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type memoryPayload struct {
	Topics   []string         `json:"topics"`
	KeyFacts []string         `json:"key_facts"`
	Episodes []memory.Episode `json:"episodes"`
}

func (h *httpHandler) handleSaveMemory(c *gin.Context) {
	var request memoryPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	character, err := h.catalog.Find(ctx, c.Param("characterID"))
	if errors.Is(err, persona.ErrCharacterNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "character_not_found"})
		return
	}
	if err != nil {
		h.writeStorageError(c, "character lookup failed", err)
		return
	}
	saved, err := h.memories.Save(ctx, memory.Summary{
		UserID:      c.Param("userID"),
		CharacterID: character.ID,
		Topics:      request.Topics,
		KeyFacts:    request.KeyFacts,
		Episodes:    request.Episodes,
	})
	if errors.Is(err, memory.ErrInvalidIdentifier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier"})
		return
	}
	if err != nil {
		h.writeStorageError(c, "memory save failed", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type realtimeEnvelope struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, c.GetString(userIDContextKey))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEnvelope{
				Type:      message.EventType,
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp,
				Payload:   message.Payload,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{
				Type:      realtimeEventHeartbeat,
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC(),
			})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) authorizeInternal(c *gin.Context) {
	presented := strings.TrimSpace(c.GetHeader(internalKeyHeader))
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.internalKey)) != 1 {
		h.logger.Warn("internal request rejected", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// writeConversationError maps engine errors onto HTTP statuses. A paywall carries the access decision.
func (h *httpHandler) writeConversationError(c *gin.Context, err error) {
	var denied *conversation.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required", "paywall": denied.Decision})
	case errors.Is(err, conversation.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, conversation.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message"})
	case errors.Is(err, conversation.ErrCharacterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "character_not_found"})
	case errors.Is(err, conversation.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	case errors.Is(err, conversation.ErrGenerationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "generation_unavailable"})
	default:
		h.writeStorageError(c, "conversation failed", err)
	}
}

func (h *httpHandler) writeStorageError(c *gin.Context, message string, err error) {
	code := servicerr.CodeOf(err)
	h.logger.Error(message, zap.String("code", code), zap.Error(err))
	body := gin.H{"error": "internal_error"}
	if code != "" {
		body["code"] = code
	}
	c.JSON(http.StatusInternalServerError, body)
}
