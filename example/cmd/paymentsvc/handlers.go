package main

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// createPayment accepts a payment and returns a fresh order id.
func createPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":    "VALIDATION_ERROR",
			"message": "amount must be positive",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId": "ord_" + uuid.NewString()[:8],
	})
}

// login authenticates a demo user. Any password other than "demo" fails so
// the error path of the pipeline is easy to exercise.
func login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":    "BAD_REQUEST",
			"message": "malformed body",
		})
		return
	}
	if body.Password != "demo" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"code":    "UNAUTHORIZED",
			"message": "invalid credentials",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": uuid.NewString()})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
