// Package api exposes a small HTTP management surface over a running
// *pkg/raft.Node: a KV front-end for the sample state machine plus a
// status endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/quorumdb/raft/pkg/raft"
	"github.com/quorumdb/raft/pkg/statemachine"
)

const requestTimeout = 5 * time.Second

// Handler serves /kv/{key} and /status against one node and its KVStore.
type Handler struct {
	node  *raft.Node
	store *statemachine.KVStore
	mux   *http.ServeMux
}

// NewHandler builds a Handler wired to node and the KVStore it applies
// committed entries to.
func NewHandler(node *raft.Node, store *statemachine.KVStore) *Handler {
	h := &Handler{node: node, store: store, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		payload, err := statemachine.EncodeCommand(statemachine.Command{
			Type: statemachine.CommandSet, Key: key, Value: []byte(req.Value),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.propose(w, payload)

	case http.MethodDelete:
		payload, err := statemachine.EncodeCommand(statemachine.Command{Type: statemachine.CommandDelete, Key: key})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.propose(w, payload)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) propose(w http.ResponseWriter, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply, err := h.node.Propose(ctx, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !reply.Success {
		if reply.LeaderAddr != "" || reply.Error == raft.ErrNotLeader.Error() {
			h.respondNotLeader(w, reply.LeaderAddr)
			return
		}
		http.Error(w, reply.Error, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) respondNotLeader(w http.ResponseWriter, leaderAddr string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "not leader",
		"leader_addr": leaderAddr,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	leader, _ := h.node.GetLeader(ctx)
	cfg, _ := h.node.GetConfiguration(ctx)

	status := map[string]interface{}{
		"id":          h.node.ID(),
		"is_leader":   h.node.IsLeader(),
		"leader_id":   leader.LeaderID,
		"leader_addr": leader.LeaderAddr,
		"members":     cfg.Members(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
