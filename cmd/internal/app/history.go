package app

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/relay"
)

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 200
)

// HistoryHandler serves GET /api/chats/{chat_id}/messages.
//
// Recent messages may still sit in the write-back buffer, so the response
// merges durable history with the buffered set for the chat, deduped by id
// and ordered by inserted_at.
type HistoryHandler struct {
	log      Logger
	verifier auth.Verifier
	store    relay.MessageStore
	buffer   *relay.Buffer
}

// NewHistoryHandler constructs the history read path.
func NewHistoryHandler(log Logger, verifier auth.Verifier, store relay.MessageStore, buffer *relay.Buffer) *HistoryHandler {
	return &HistoryHandler{log: log, verifier: verifier, store: store, buffer: buffer}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := h.verifier.Verify(bearerToken(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	chatID := strings.TrimSpace(r.PathValue("chat_id"))
	if chatID == "" {
		http.Error(w, "missing chat_id", http.StatusBadRequest)
		return
	}

	limit := historyDefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}

	stored, err := h.store.History(r.Context(), chatID, limit)
	if err != nil {
		h.log.Error("history.fetch.fail", "chat_id", chatID, "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	merged := mergeHistory(stored, h.buffer.PendingForChat(chatID), limit)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(merged); err != nil {
		h.log.Info("history.encode.fail", "chat_id", chatID, "err", err)
	}
}

// mergeHistory combines durable and buffered messages, deduped by id,
// ordered by inserted_at ASC, trimmed to the newest limit entries.
func mergeHistory(stored, buffered []relay.Message, limit int) []relay.Message {
	out := make([]relay.Message, 0, len(stored)+len(buffered))
	seen := make(map[string]struct{}, len(stored)+len(buffered))

	for _, m := range stored {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range buffered {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
