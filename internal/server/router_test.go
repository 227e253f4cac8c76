package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/access"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/conversation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testInternalKey   = "internal-secret"
	testAllowedOrigin = "https://app.example.com"
)

type stubEngine struct {
	sendErr  error
	result   conversation.Result
	received conversation.Message
}

func (s *stubEngine) Send(_ context.Context, message conversation.Message) (conversation.Result, error) {
	s.received = message
	return s.result, s.sendErr
}

func (s *stubEngine) Status(_ context.Context, userID, characterID string) (conversation.Status, error) {
	return conversation.Status{CharacterID: characterID, Level: 1}, nil
}

type stubCatalog struct{}

func (stubCatalog) List(context.Context) ([]persona.Character, error) {
	return persona.Seed(), nil
}

func (stubCatalog) Find(_ context.Context, characterID string) (persona.Character, error) {
	for _, character := range persona.Seed() {
		if character.ID == characterID {
			return character, nil
		}
	}
	return persona.Character{}, persona.ErrCharacterNotFound
}

type stubFlags struct {
	following map[string]bool
	fanclub   map[string]bool
}

func (s *stubFlags) SetFollowing(_ context.Context, userID, characterID string, following bool) (relationship.Record, error) {
	s.following[userID+"/"+characterID] = following
	return relationship.Record{UserID: userID, CharacterID: characterID, IsFollowing: following}, nil
}

func (s *stubFlags) SetFanclub(_ context.Context, userID, characterID string, member bool) (relationship.Record, error) {
	s.fanclub[userID+"/"+characterID] = member
	return relationship.Record{UserID: userID, CharacterID: characterID, IsFanclub: member}, nil
}

type stubWallet struct {
	creditErr error
	credited  []ledger.CreditRequest
}

func (s *stubWallet) Balance(context.Context, string) (int64, error) {
	return 40, nil
}

func (s *stubWallet) History(context.Context, string, int) ([]ledger.Transaction, error) {
	return nil, nil
}

func (s *stubWallet) Credit(_ context.Context, request ledger.CreditRequest) (ledger.Receipt, error) {
	if s.creditErr != nil {
		return ledger.Receipt{}, s.creditErr
	}
	s.credited = append(s.credited, request)
	return ledger.Receipt{TransactionID: "tx-1", NewBalance: 40 + request.Amount}, nil
}

type stubSessions struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUsers struct{}

func (stubUsers) ResolveCanonicalUserID(_ context.Context, claims auth.SessionClaims) (string, error) {
	return claims.UserID, nil
}

type routerFixture struct {
	handler http.Handler
	engine  *stubEngine
	flags   *stubFlags
	wallet  *stubWallet
}

func newRouterFixture(t *testing.T, sessions stubSessions) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := routerFixture{
		engine: &stubEngine{},
		flags:  &stubFlags{following: map[string]bool{}, fanclub: map[string]bool{}},
		wallet: &stubWallet{},
	}
	handler, err := NewHTTPHandler(Dependencies{
		Engine:         fixture.engine,
		Catalog:        stubCatalog{},
		Relationships:  fixture.flags,
		Wallet:         fixture.wallet,
		Sessions:       sessions,
		Users:          stubUsers{},
		InternalAPIKey: testInternalKey,
		AllowedOrigins: []string{testAllowedOrigin},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f routerFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func signedIn() stubSessions {
	return stubSessions{claims: auth.SessionClaims{UserID: "user-1"}}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingEngine) {
		t.Fatalf("expected missing engine error, got %v", err)
	}
}

func TestSendMessageMapsConversationErrors(t *testing.T) {
	paywall := &conversation.AccessDeniedError{Decision: access.Decision{
		Kind:             access.KindBlocked,
		FreeMessageLimit: 10,
		MessageCost:      10,
		CoinBalance:      3,
		Currency:         "JPY",
	}}
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "paywall", err: paywall, wantStatus: http.StatusPaymentRequired, wantError: "payment_required"},
		{name: "generation", err: errors.Join(conversation.ErrGenerationUnavailable, errors.New("boom")), wantStatus: http.StatusServiceUnavailable, wantError: "generation_unavailable"},
		{name: "rate limited", err: conversation.ErrRateLimited, wantStatus: http.StatusTooManyRequests, wantError: "rate_limited"},
		{name: "not found", err: conversation.ErrCharacterNotFound, wantStatus: http.StatusNotFound, wantError: "character_not_found"},
		{name: "invalid", err: conversation.ErrInvalidMessage, wantStatus: http.StatusBadRequest, wantError: "invalid_message"},
		{name: "storage", err: fmt.Errorf("%w: %w", conversation.ErrStorage, servicerr.New("ledger.spend", "update_failed", errors.New("disk"))), wantStatus: http.StatusInternalServerError, wantError: "internal_error"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newRouterFixture(t, signedIn())
			fixture.engine.sendErr = testCase.err

			recorder := fixture.do(http.MethodPost, "/characters/aoi-hoshino/messages", `{"text":"hello"}`, nil)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body["error"] != testCase.wantError {
				t.Fatalf("expected error %q, got %v", testCase.wantError, body["error"])
			}
			switch testCase.name {
			case "paywall":
				paywallBody, ok := body["paywall"].(map[string]interface{})
				if !ok || paywallBody["message_cost"] != float64(10) || paywallBody["coin_balance"] != float64(3) {
					t.Fatalf("unexpected paywall payload: %v", body["paywall"])
				}
			case "storage":
				if body["code"] != "ledger.spend.update_failed" {
					t.Fatalf("expected service error code, got %v", body["code"])
				}
			}
		})
	}
}

func TestSendMessageForwardsIdempotencyHeader(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())
	fixture.engine.result = conversation.Result{ReplyText: "hi", Consumed: access.KindFree}

	recorder := fixture.do(http.MethodPost, "/characters/aoi-hoshino/messages", `{"text":"hello"}`,
		map[string]string{idempotencyKeyHeader: "key-7"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	received := fixture.engine.received
	if received.UserID != "user-1" || received.CharacterID != "aoi-hoshino" || received.IdempotencyKey != "key-7" {
		t.Fatalf("unexpected message forwarded: %#v", received)
	}
}

func TestProtectedRoutesRejectMissingSession(t *testing.T) {
	fixture := newRouterFixture(t, stubSessions{err: auth.ErrMissingSessionToken})
	recorder := fixture.do(http.MethodGet, "/wallet", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/wallet", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrExpiredSessionToken},
		users:    stubUsers{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsForgedSessionAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/wallet", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrInvalidSessionToken},
		users:    stubUsers{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
	if entries[0].Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestFollowUpdatesRelationship(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())

	recorder := fixture.do(http.MethodPut, "/characters/ren-kurosawa/follow", `{"following":true}`, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if !fixture.flags.following["user-1/ren-kurosawa"] {
		t.Fatalf("expected follow flag to be set")
	}

	missing := fixture.do(http.MethodPut, "/characters/nobody/follow", `{"following":true}`, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected not found for unknown character, got %d", missing.Code)
	}

	invalid := fixture.do(http.MethodPut, "/characters/ren-kurosawa/follow", `{}`, nil)
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request without flag, got %d", invalid.Code)
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())

	recorder := fixture.do(http.MethodPost, "/internal/wallets/user-9/credits", `{"amount":100,"ref_id":"pay-1"}`, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden without key, got %d", recorder.Code)
	}

	wrong := fixture.do(http.MethodPost, "/internal/wallets/user-9/credits", `{"amount":100,"ref_id":"pay-1"}`,
		map[string]string{internalKeyHeader: "nope"})
	if wrong.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden with wrong key, got %d", wrong.Code)
	}
	if len(fixture.wallet.credited) != 0 {
		t.Fatalf("expected no credits without a valid key")
	}
}

func TestInternalCreditDefaultsToPurchase(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())

	recorder := fixture.do(http.MethodPost, "/internal/wallets/user-9/credits", `{"amount":100,"ref_id":"pay-1"}`,
		map[string]string{internalKeyHeader: testInternalKey})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.wallet.credited) != 1 {
		t.Fatalf("expected one credit, got %d", len(fixture.wallet.credited))
	}
	credit := fixture.wallet.credited[0]
	if credit.UserID != "user-9" || credit.Type != ledger.TypePurchase || credit.RefID != "pay-1" {
		t.Fatalf("unexpected credit request: %#v", credit)
	}
}

func TestInternalCreditMapsLedgerErrors(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())
	fixture.wallet.creditErr = ledger.ErrIdempotencyConflict
	recorder := fixture.do(http.MethodPost, "/internal/wallets/user-9/credits", `{"amount":100,"ref_id":"pay-1"}`,
		map[string]string{internalKeyHeader: testInternalKey})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}

	fixture.wallet.creditErr = ledger.ErrInvalidAmount
	recorder = fixture.do(http.MethodPost, "/internal/wallets/user-9/credits", `{"amount":0}`,
		map[string]string{internalKeyHeader: testInternalKey})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestInternalFanclubToggle(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())
	recorder := fixture.do(http.MethodPut, "/internal/relationships/user-9/mira-solenne/fanclub", `{"member":true}`,
		map[string]string{internalKeyHeader: testInternalKey})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if !fixture.flags.fanclub["user-9/mira-solenne"] {
		t.Fatalf("expected fan club membership to be recorded")
	}
}

func TestListCharactersHidesPromptsAndSecrets(t *testing.T) {
	fixture := newRouterFixture(t, signedIn())
	recorder := fixture.do(http.MethodGet, "/characters", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := recorder.Body.String()
	if strings.Contains(body, "system_prompt") || strings.Contains(body, "idol group") {
		t.Fatalf("character listing leaked persona internals: %s", body)
	}
	if !strings.Contains(body, `"id":"aoi-hoshino"`) {
		t.Fatalf("expected seeded character in listing: %s", body)
	}
}
