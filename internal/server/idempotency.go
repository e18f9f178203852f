package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key, if any.
// It returns proceed=false when the response was already written (a replay
// or a conflict). A nil key with proceed=true means no header was sent.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, payload any) (key *storage.IdempotencyKey, proceed bool) {
	raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if raw == "" {
		return nil, true
	}
	if len(raw) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Idempotency-Key is too long")
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return nil, false
	}
	k := storage.IdempotencyKey{
		UserID:   ClaimsFromContext(r.Context()).UserID,
		Endpoint: r.Method + ":" + r.URL.Path,
		Key:      raw,
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), k, hash)
	switch {
	case err == nil && lookup.Completed:
		var replay any
		if len(lookup.ResponseData) > 0 {
			if err := json.Unmarshal(lookup.ResponseData, &replay); err != nil {
				writeEngineError(w, r, h.logger, err)
				return nil, false
			}
		}
		status := lookup.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, status, replay)
		return nil, false
	case err == nil:
		return &k, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		writeEngineError(w, r, h.logger, err)
		return nil, false
	}
}

// completeIdempotentWrite stores the committed response. Failures are
// logged: the mutation already happened and the client gets its answer.
func (h *Handlers) completeIdempotentWrite(r *http.Request, k *storage.IdempotencyKey, status int, data any) {
	if k == nil {
		return
	}
	// Detached from the request so a client disconnect cannot leave the key
	// stuck in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = h.db.CompleteIdempotency(ctx, *k, status, data); err == nil {
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	h.logger.Error("failed to finalize idempotency record after committed mutation",
		"endpoint", k.Endpoint,
		"user_id", k.UserID,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
}

// clearIdempotentWrite releases the key after a failed request.
func (h *Handlers) clearIdempotentWrite(r *http.Request, k *storage.IdempotencyKey) {
	if k == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), *k); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"endpoint", k.Endpoint,
			"user_id", k.UserID,
			"error", err,
		)
	}
}
