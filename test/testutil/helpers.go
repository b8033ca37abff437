// Package testutil provides shared helpers for exercising the capture core
// against an in-process HTTP server.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/yorutsuke/yorutsuke/internal/models"
)

// TestServer is an in-process stand-in for the cloud API: login, presign,
// binary upload, and transaction push/pull.
type TestServer struct {
	*httptest.Server

	mu           sync.RWMutex
	sessions     map[string]string // token -> user id
	transactions map[string]map[string]*models.Transaction
	uploads      map[string][]byte // key -> blob
	failPushIDs  map[string]bool
	loginHandler func(email, password string) (*models.Session, error)
}

// NewTestServer starts a server with a permissive default login.
func NewTestServer() *TestServer {
	ts := &TestServer{
		sessions:     make(map[string]string),
		transactions: make(map[string]map[string]*models.Transaction),
		uploads:      make(map[string][]byte),
		failPushIDs:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", ts.handleLogin)
	mux.HandleFunc("/v1/uploads/presign", ts.handlePresign)
	mux.HandleFunc("/v1/transactions/push", ts.handlePush)
	mux.HandleFunc("/v1/transactions", ts.handlePull)
	mux.HandleFunc("/uploads/", ts.handleUpload)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts.Server = httptest.NewServer(mux)
	return ts
}

// SetLoginHandler replaces the default login behavior.
func (ts *TestServer) SetLoginHandler(handler func(email, password string) (*models.Session, error)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.loginHandler = handler
}

// FailPush makes future pushes report the given ids as failed.
func (ts *TestServer) FailPush(ids ...string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failPushIDs = make(map[string]bool, len(ids))
	for _, id := range ids {
		ts.failPushIDs[id] = true
	}
}

// SeedTransactions places records in the server's remote state.
func (ts *TestServer) SeedTransactions(userID string, records ...*models.Transaction) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.transactions[userID] == nil {
		ts.transactions[userID] = make(map[string]*models.Transaction)
	}
	for _, r := range records {
		ts.transactions[userID][r.ID] = r.Clone()
	}
}

// RemoteTransactions returns a copy of the server-side records for a user.
func (ts *TestServer) RemoteTransactions(userID string) map[string]*models.Transaction {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make(map[string]*models.Transaction, len(ts.transactions[userID]))
	for id, r := range ts.transactions[userID] {
		out[id] = r.Clone()
	}
	return out
}

// UploadedBlob returns the bytes stored under a key, if any.
func (ts *TestServer) UploadedBlob(key string) ([]byte, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	blob, ok := ts.uploads[key]
	return blob, ok
}

func (ts *TestServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	handler := ts.loginHandler
	ts.mu.Unlock()

	var session *models.Session
	var err error
	if handler != nil {
		session, err = handler(req.Email, req.Password)
	} else {
		session = &models.Session{
			UserID:    "user-" + req.Email,
			Email:     req.Email,
			Token:     "token-" + req.Email,
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ts.mu.Lock()
	ts.sessions[session.Token] = session.UserID
	ts.mu.Unlock()

	writeJSON(w, session)
}

func (ts *TestServer) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID           string `json:"user_id"`
		FileName         string `json:"file_name"`
		IdempotencyToken string `json:"idempotency_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("receipts/%s/%s", req.UserID, req.FileName)
	writeJSON(w, map[string]string{
		"url": ts.URL + "/uploads/" + key,
		"key": key,
	})
}

func (ts *TestServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	key := r.URL.Path[len("/uploads/"):]
	ts.mu.Lock()
	ts.uploads[key] = blob
	ts.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (ts *TestServer) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string                `json:"user_id"`
		Records []*models.Transaction `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.transactions[req.UserID] == nil {
		ts.transactions[req.UserID] = make(map[string]*models.Transaction)
	}

	result := models.PushResult{}
	for _, record := range req.Records {
		if ts.failPushIDs[record.ID] {
			result.FailedIDs = append(result.FailedIDs, record.ID)
			continue
		}
		ts.transactions[req.UserID][record.ID] = record.Clone()
		result.SyncedIDs = append(result.SyncedIDs, record.ID)
	}

	writeJSON(w, result)
}

func (ts *TestServer) handlePull(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	ts.mu.RLock()
	records := make([]*models.Transaction, 0, len(ts.transactions[userID]))
	for _, record := range ts.transactions[userID] {
		records = append(records, record.Clone())
	}
	ts.mu.RUnlock()

	writeJSON(w, map[string]interface{}{"records": records})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
