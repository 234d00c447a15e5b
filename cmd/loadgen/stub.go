package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/abkawan/venue-payments/internal/gateway"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// stubGateway answers the provider endpoints the API calls. Every initialized
// deposit verifies as paid for the amount it was opened with.
type stubGateway struct {
	mu       sync.Mutex
	deposits map[string]gateway.InitializeRequest
}

func newStubGateway() http.Handler {
	s := &stubGateway{deposits: make(map[string]gateway.InitializeRequest)}

	r := mux.NewRouter()
	r.HandleFunc("/v1/transaction/initialize", s.initialize).Methods("POST")
	r.HandleFunc("/v1/transaction/verify/{tx_ref}", s.verify).Methods("GET")
	r.HandleFunc("/v1/transfers", s.transfer).Methods("POST")
	return r
}

func (s *stubGateway) initialize(w http.ResponseWriter, r *http.Request) {
	var req gateway.InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, "failed", "invalid request", nil)
		return
	}

	s.mu.Lock()
	s.deposits[req.TxRef] = req
	s.mu.Unlock()

	reply(w, http.StatusOK, "success", "Hosted Link", gateway.InitializeResponse{CheckoutURL: "https://checkout.stub/" + req.TxRef})
}

func (s *stubGateway) verify(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["tx_ref"]

	s.mu.Lock()
	req, ok := s.deposits[ref]
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, "failed", "Invalid transaction or Transaction not found", nil)
		return
	}

	reply(w, http.StatusOK, "success", "Payment details", gateway.VerifyResponse{
		Status:    gateway.StatusSuccess,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reference: "STUB-" + ref,
		TxRef:     ref,
	})
}

func (s *stubGateway) transfer(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, "success", "Transfer Queued Successfully", uuid.NewString())
}

func reply(w http.ResponseWriter, code int, status, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"message": message,
		"data":    data,
	})
}
