package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
	"github.com/Gegcuk/QuizMaker-sub013/internal/store/gormstore"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

// Server is the HTTP facade over the generation orchestrator and the token
// ledger.
type Server struct {
	cfg          Config
	logger       *zap.Logger
	orchestrator *generation.Orchestrator
	ledger       *tokenledger.Service
	documents    *gormstore.ContentStore
}

// NewServer wires a Server.
func NewServer(cfg Config, logger *zap.Logger, orchestrator *generation.Orchestrator, ledger *tokenledger.Service, documents *gormstore.ContentStore) (*Server, error) {
	if orchestrator == nil || ledger == nil || documents == nil {
		return nil, errors.New("httpapi: missing dependency")
	}
	if cfg.JWTSigningKey == "" {
		return nil, errors.New("httpapi: jwt signing key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		ledger:       ledger,
		documents:    documents,
	}, nil
}

// Run serves HTTP until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.shutdownTimeout())
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine with all routes registered.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(server.cfg.JWTSigningKey)))

	api.POST("/documents", server.handleUploadDocument)
	api.POST("/quizzes/generate", server.handleStartGeneration)
	api.DELETE("/jobs/:id", server.handleCancelJob)
	api.GET("/jobs/:id", server.handleJobStatus)
	api.GET("/wallet", server.handleWallet)
	api.POST("/wallet/topup", server.handleTopUp)

	return router
}

type uploadDocumentRequest struct {
	Title string `json:"title"`
	Text  string `json:"text" binding:"required"`
}

func (server *Server) handleUploadDocument(ctx *gin.Context) {
	var request uploadDocumentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with text"))
		return
	}
	document, err := server.documents.CreateDocument(ctx.Request.Context(), authenticatedUserID(ctx), request.Title, request.Text)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"document_id":      document.DocumentID,
		"title":            document.Title,
		"created_unix_utc": document.CreatedUnixUTC,
	})
}

type startGenerationRequest struct {
	DocumentID    string `json:"document_id" binding:"required"`
	Scope         string `json:"scope"`
	Difficulty    string `json:"difficulty"`
	QuestionCount int    `json:"question_count"`
}

func (server *Server) handleStartGeneration(ctx *gin.Context) {
	var request startGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with document_id"))
		return
	}
	difficulty, ok := normalizeDifficulty(request.Difficulty)
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_difficulty", "difficulty must be easy, medium or hard"))
		return
	}
	if request.QuestionCount <= 0 || request.QuestionCount > maxQuestionCount {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_question_count", fmt.Sprintf("question_count must be between 1 and %d", maxQuestionCount)))
		return
	}

	userID := authenticatedUserID(ctx)
	result, err := server.orchestrator.Start(ctx.Request.Context(), userID, generation.Request{
		DocumentID:    request.DocumentID,
		Scope:         request.Scope,
		Difficulty:    difficulty,
		QuestionCount: request.QuestionCount,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	// Generation outlives the request; the job row carries all recovery state.
	go func() {
		if processErr := server.orchestrator.Process(context.Background(), result.JobID); processErr != nil {
			server.logger.Warn("generation processing ended with error",
				zap.String("job_id", result.JobID),
				zap.Error(processErr))
		}
	}()

	ctx.JSON(http.StatusAccepted, gin.H{
		"job_id":            result.JobID,
		"estimated_tokens":  result.EstimatedTokens,
		"estimated_seconds": result.EstimatedSeconds,
	})
}

const maxQuestionCount = 100

func normalizeDifficulty(raw string) (string, bool) {
	switch raw {
	case "":
		return "medium", true
	case "easy", "medium", "hard":
		return raw, true
	}
	return "", false
}

func (server *Server) handleCancelJob(ctx *gin.Context) {
	job, err := server.orchestrator.Cancel(ctx.Request.Context(), ctx.Param("id"), authenticatedUserID(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobPayload(job))
}

func (server *Server) handleJobStatus(ctx *gin.Context) {
	job, err := server.orchestrator.GetStatus(ctx.Request.Context(), ctx.Param("id"), authenticatedUserID(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobPayload(job))
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, err := tokenledger.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user identity"))
		return
	}
	balance, err := server.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactions, err := server.ledger.Transactions(ctx.Request.Context(), userID, server.cfg.walletHistoryLimit())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	entries := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		entries = append(entries, gin.H{
			"transaction_id":   transaction.TransactionID,
			"type":             transaction.Type.String(),
			"tokens":           transaction.Tokens,
			"reservation_id":   transaction.ReferenceID,
			"purpose":          transaction.Purpose,
			"created_unix_utc": transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": gin.H{
			"available_tokens": balance.AvailableTokens,
			"reserved_tokens":  balance.ReservedTokens,
		},
		"transactions": entries,
	})
}

type topUpRequest struct {
	Tokens int64 `json:"tokens" binding:"required"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with tokens"))
		return
	}
	userID, err := tokenledger.NewUserID(authenticatedUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user identity"))
		return
	}
	amount, err := tokenledger.NewTokenAmount(request.Tokens)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tokens", "tokens must be greater than zero"))
		return
	}
	key, err := tokenledger.NewIdempotencyKey("topup:" + uuid.NewString())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	grant, err := server.ledger.Grant(ctx.Request.Context(), userID, amount, "topup", key)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	balance, err := server.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted_tokens": grant.GrantedTokens,
		"balance": gin.H{
			"available_tokens": balance.AvailableTokens,
			"reserved_tokens":  balance.ReservedTokens,
		},
	})
}

func jobPayload(job generation.Job) gin.H {
	return gin.H{
		"job_id":                 job.JobID,
		"document_id":            job.DocumentID,
		"scope":                  job.Scope,
		"difficulty":             job.Difficulty,
		"question_count":         job.QuestionCount,
		"work_state":             job.WorkState.String(),
		"billing_state":          job.BillingState.String(),
		"estimated_tokens":       job.EstimatedTokens,
		"actual_tokens":          job.ActualTokens,
		"committed_tokens":       job.CommittedTokens,
		"was_capped_at_reserved": job.WasCappedAtReserved,
		"total_chunks":           job.TotalChunks,
		"processed_chunks":       job.ProcessedChunks,
		"created_unix_utc":       job.CreatedUnixUTC,
		"updated_unix_utc":       job.UpdatedUnixUTC,
	}
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, tokenledger.ErrInsufficientTokens):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_tokens", "not enough available tokens"))
	case errors.Is(err, generation.ErrActiveJobExists):
		ctx.JSON(http.StatusConflict, errorResponse("active_job_exists", "another generation job is already running"))
	case errors.Is(err, generation.ErrInvalidJobState):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_job_state", "job is already in a terminal state"))
	case errors.Is(err, generation.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("job_not_found", "no such job for this user"))
	case errors.Is(err, gormstore.ErrDocumentNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("document_not_found", "no such document"))
	case errors.Is(err, tokenledger.ErrInvalidUserID),
		errors.Is(err, tokenledger.ErrInvalidTokenAmount),
		errors.Is(err, tokenledger.ErrInvalidIdempotencyKey):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
