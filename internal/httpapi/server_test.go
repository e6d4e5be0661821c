package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
	"github.com/Gegcuk/QuizMaker-sub013/internal/httpapi"
	"github.com/Gegcuk/QuizMaker-sub013/internal/reservation"
	"github.com/Gegcuk/QuizMaker-sub013/internal/store/gormstore"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

const (
	testSigningKey = "test-signing-key"
	testUserID     = "user-1"
)

type apiFixture struct {
	server *httptest.Server
	engine *blockingEngine
}

func newAPIFixture(test *testing.T) *apiFixture {
	test.Helper()

	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/api.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.AutoMigrate(
		&gormstore.TokenBalance{},
		&gormstore.TokenTransaction{},
		&gormstore.Reservation{},
		&gormstore.GenerationJob{},
		&gormstore.Document{},
		&gormstore.Quiz{},
		&gormstore.QuizQuestion{},
	); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := tokenledger.NewService(gormstore.NewLedgerStore(database), clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	reservationService, err := reservation.NewService(gormstore.NewReservationStore(database), clock, 10*time.Minute)
	if err != nil {
		test.Fatalf("reservation service: %v", err)
	}

	contentStore := gormstore.NewContentStore(database)
	engine := &blockingEngine{release: make(chan struct{})}
	test.Cleanup(engine.releaseOnce)

	orchestrator, err := generation.NewOrchestrator(
		gormstore.NewJobStore(database),
		reservationService,
		&fixedEstimator{estimatedTokens: 1200},
		engine,
		contentStore,
		nil,
		clock,
		generation.Config{MinStartFeeTokens: 50, StalenessWindow: 5 * time.Minute},
	)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	apiServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:    ":0",
		JWTSigningKey: testSigningKey,
	}, nil, orchestrator, ledgerService, contentStore)
	if err != nil {
		test.Fatalf("http server: %v", err)
	}

	server := httptest.NewServer(apiServer.Router())
	test.Cleanup(server.Close)
	return &apiFixture{server: server, engine: engine}
}

func TestHealthzRequiresNoAuth(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)

	response, _ := fx.doRequest(test, http.MethodGet, "/healthz", "", nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestAPIRejectsMissingBearerToken(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)

	response, _ := fx.doRequest(test, http.MethodGet, "/api/wallet", "", nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestAPIRejectsForgedToken(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)

	forged := signToken(test, testUserID, "wrong-key")
	response, _ := fx.doRequest(test, http.MethodGet, "/api/wallet", forged, nil)
	if response.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestTopUpAndWallet(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)
	token := signToken(test, testUserID, testSigningKey)

	response, body := fx.doRequest(test, http.MethodPost, "/api/wallet/topup", token, map[string]any{"tokens": 5000})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("topup: expected 200, got %d: %v", response.StatusCode, body)
	}

	response, body = fx.doRequest(test, http.MethodGet, "/api/wallet", token, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("wallet: expected 200, got %d", response.StatusCode)
	}
	balance := body["balance"].(map[string]any)
	if balance["available_tokens"].(float64) != 5000 {
		test.Fatalf("expected 5000 available, got %v", balance["available_tokens"])
	}
	transactions := body["transactions"].([]any)
	if len(transactions) != 1 {
		test.Fatalf("expected one grant transaction, got %d", len(transactions))
	}
}

func TestGenerateRequiresSufficientTokens(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)
	token := signToken(test, testUserID, testSigningKey)

	documentID := fx.uploadDocument(test, token)
	response, body := fx.doRequest(test, http.MethodPost, "/api/quizzes/generate", token, map[string]any{
		"document_id":    documentID,
		"question_count": 10,
	})
	if response.StatusCode != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d: %v", response.StatusCode, body)
	}
}

func TestGenerationLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)
	token := signToken(test, testUserID, testSigningKey)

	fx.mustTopUp(test, token, 5000)
	documentID := fx.uploadDocument(test, token)

	response, body := fx.doRequest(test, http.MethodPost, "/api/quizzes/generate", token, map[string]any{
		"document_id":    documentID,
		"scope":          "chapter-1",
		"difficulty":     "medium",
		"question_count": 10,
	})
	if response.StatusCode != http.StatusAccepted {
		test.Fatalf("generate: expected 202, got %d: %v", response.StatusCode, body)
	}
	jobID := body["job_id"].(string)
	if body["estimated_tokens"].(float64) != 1200 {
		test.Fatalf("expected estimate 1200, got %v", body["estimated_tokens"])
	}

	response, body = fx.doRequest(test, http.MethodGet, "/api/jobs/"+jobID, token, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("status: expected 200, got %d", response.StatusCode)
	}
	if body["billing_state"].(string) != "reserved" {
		test.Fatalf("expected reserved billing, got %v", body["billing_state"])
	}

	// A second job for the same user conflicts while the first is live.
	response, _ = fx.doRequest(test, http.MethodPost, "/api/quizzes/generate", token, map[string]any{
		"document_id":    documentID,
		"scope":          "chapter-2",
		"question_count": 5,
	})
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409 for second job, got %d", response.StatusCode)
	}

	response, body = fx.doRequest(test, http.MethodDelete, "/api/jobs/"+jobID, token, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("cancel: expected 200, got %d", response.StatusCode)
	}
	if body["work_state"].(string) != "cancelled" {
		test.Fatalf("expected cancelled job, got %v", body["work_state"])
	}
	if body["billing_state"].(string) != "released" {
		test.Fatalf("expected released billing, got %v", body["billing_state"])
	}

	// Cancelling before any work ran returns the full hold.
	response, body = fx.doRequest(test, http.MethodGet, "/api/wallet", token, nil)
	if response.StatusCode != http.StatusOK {
		test.Fatalf("wallet: expected 200, got %d", response.StatusCode)
	}
	balance := body["balance"].(map[string]any)
	if balance["available_tokens"].(float64) != 5000 || balance["reserved_tokens"].(float64) != 0 {
		test.Fatalf("expected balance {5000, 0}, got %v", balance)
	}

	response, _ = fx.doRequest(test, http.MethodDelete, "/api/jobs/"+jobID, token, nil)
	if response.StatusCode != http.StatusConflict {
		test.Fatalf("expected 409 cancelling a terminal job, got %d", response.StatusCode)
	}
}

func TestJobStatusNotFound(test *testing.T) {
	test.Parallel()
	fx := newAPIFixture(test)
	token := signToken(test, testUserID, testSigningKey)

	response, _ := fx.doRequest(test, http.MethodGet, "/api/jobs/no-such-job", token, nil)
	if response.StatusCode != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", response.StatusCode)
	}
}

func (fx *apiFixture) doRequest(test *testing.T, method string, path string, token string, payload any) (*http.Response, map[string]any) {
	test.Helper()
	var requestBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		requestBody = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(context.Background(), method, fx.server.URL+path, requestBody)
	if err != nil {
		test.Fatalf("build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := fx.server.Client().Do(request)
	if err != nil {
		test.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = response.Body.Close() }()

	var decoded map[string]any
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			test.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return response, decoded
}

func (fx *apiFixture) mustTopUp(test *testing.T, token string, tokens int64) {
	test.Helper()
	response, body := fx.doRequest(test, http.MethodPost, "/api/wallet/topup", token, map[string]any{"tokens": tokens})
	if response.StatusCode != http.StatusOK {
		test.Fatalf("topup failed: %d %v", response.StatusCode, body)
	}
}

func (fx *apiFixture) uploadDocument(test *testing.T, token string) string {
	test.Helper()
	response, body := fx.doRequest(test, http.MethodPost, "/api/documents", token, map[string]any{
		"title": "Biology",
		"text":  "Cells are the basic unit of life. Mitochondria produce energy.",
	})
	if response.StatusCode != http.StatusCreated {
		test.Fatalf("upload failed: %d %v", response.StatusCode, body)
	}
	return body["document_id"].(string)
}

func signToken(test *testing.T, subject string, key string) string {
	test.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

// blockingEngine parks generation until the test releases it, keeping jobs in
// their pre-work state for the duration of the assertions.
type blockingEngine struct {
	release  chan struct{}
	released bool
}

func (engine *blockingEngine) releaseOnce() {
	if !engine.released {
		engine.released = true
		close(engine.release)
	}
}

func (engine *blockingEngine) Generate(ctx context.Context, job generation.Job, progress generation.ProgressFunc) (generation.Result, error) {
	<-engine.release
	if err := progress(0, 1, 1); err != nil {
		return generation.Result{}, err
	}
	return generation.Result{
		Items:       []generation.QuizItem{{Question: "q", Answer: "a", Difficulty: job.Difficulty}},
		TotalChunks: 1,
	}, nil
}

type fixedEstimator struct {
	estimatedTokens int64
}

func (estimator *fixedEstimator) Estimate(ctx context.Context, request generation.Request) (generation.Estimate, error) {
	return generation.Estimate{InputTokens: 100, EstimatedTokens: estimator.estimatedTokens}, nil
}

func (estimator *fixedEstimator) ActualTokens(producedItems int, difficulty string, inputTokens int64) int64 {
	return int64(producedItems) * 80
}
