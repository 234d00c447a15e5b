package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/abkawan/venue-payments/internal/auth"
	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/abkawan/venue-payments/internal/models"
	"github.com/abkawan/venue-payments/internal/service"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// Handler is for handling api requests
type Handler struct {
	accountService     *service.AccountService
	transactionService *service.TransactionService
	webhookSecret      string
}

func NewHandler(accountService *service.AccountService, transactionService *service.TransactionService, webhookSecret string) *Handler {
	return &Handler{
		accountService:     accountService,
		transactionService: transactionService,
		webhookSecret:      webhookSecret,
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request payload", map[string]string{"body": err.Error()})
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		respondCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
	}
	return id, ok
}

// handles deposit initiation
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req models.DepositRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.transactionService.InitiateDeposit(r.Context(), id, &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, res)
}

// handles the gateway webhook. The body is only a hint, the service
// re-verifies with the gateway.
func (h *Handler) DepositCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request payload", nil)
		return
	}

	if h.webhookSecret != "" {
		signature := r.Header.Get(gateway.SignatureHeader)
		if signature == "" {
			signature = r.Header.Get(gateway.AltSignatureHeader)
		}
		if !gateway.VerifySignature(raw, signature, h.webhookSecret) {
			log.Warn().Str("ip", r.RemoteAddr).Msg("rejected webhook with bad signature")
			respondCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook signature", nil)
			return
		}
	}

	var req models.CallbackRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request payload", map[string]string{"body": err.Error()})
		return
	}

	h.handleCallback(w, r, req.Ref(), req.Status)
}

// handles the provider's browser redirect after checkout
func (h *Handler) DepositCallbackRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("trx_ref")
	if ref == "" {
		ref = q.Get("tx_ref")
	}
	if ref == "" {
		ref = q.Get("reference")
	}

	h.handleCallback(w, r, ref, q.Get("status"))
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request, reference, status string) {
	res, err := h.transactionService.HandleDepositCallback(r.Context(), reference, status)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// GetTransaction handles transaction retrieval
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	res, err := h.transactionService.GetTransaction(r.Context(), id, mux.Vars(r)["reference"])
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// GetTransactions handles transaction list retrieval
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	// Parsing the query parameters
	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	// default limit is set to 10
	limit := 10
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	//default offset is set to 0
	offset := 0
	if offsetStr != "" {
		parsedOffset, err := strconv.Atoi(offsetStr)
		if err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	txs, err := h.accountService.ListTransactions(r.Context(), id.Email, limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}

	respondJSON(w, http.StatusOK, txs)
}

// handles withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req models.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.transactionService.Withdraw(r.Context(), id, &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// handles balance retrieval
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	res, err := h.accountService.GetBalance(r.Context(), id.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sets up the API routes
func SetupRoutes(r *mux.Router, accountService *service.AccountService, transactionService *service.TransactionService, authService *auth.Service, webhookSecret string) {
	h := NewHandler(accountService, transactionService, webhookSecret)
	r.Use(requestLogger)

	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Gateway callbacks
	r.HandleFunc("/deposits/callback", h.DepositCallback).Methods("POST")
	r.HandleFunc("/deposits/callback", h.DepositCallbackRedirect).Methods("GET")

	// Owner routes
	protected := r.NewRoute().Subrouter()
	protected.Use(authService.Middleware)

	protected.HandleFunc("/deposits", h.CreateDeposit).Methods("POST")
	protected.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods("POST")
	protected.HandleFunc("/balance", h.GetBalance).Methods("GET")
	protected.HandleFunc("/transactions", h.GetTransactions).Methods("GET")
	protected.HandleFunc("/transactions/{reference}", h.GetTransaction).Methods("GET")
}
