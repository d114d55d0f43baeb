package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raftcore/internal/raft"
	"raftcore/internal/raft/membership"
	"raftcore/internal/raft/node"
	"raftcore/internal/raft/state_machine"
)

const (
	proposeTimeout = 5 * time.Second
	maxValueSize   = 1 << 20
)

// kvNode is the part of a Node the HTTP API uses
type kvNode interface {
	ID() raft.ServerID
	Propose(ctx context.Context, command []byte) (state_machine.KeyValueReturn, error)
	ChangeMembership(ctx context.Context, change raft.ConfigChange) error
	Configuration() membership.ConfigurationSnapshot
	CommitIndex() raft.LogIndex
	LastApplied() raft.LogIndex
	Term() raft.Term
	Durable() bool
}

// kvReader serves reads straight from the state machine
type kvReader interface {
	Get(key []byte) ([]byte, bool)
}

type api struct {
	node kvNode
	kv   kvReader
}

func newAPI(n kvNode, kv kvReader) *api {
	return &api{node: n, kv: kv}
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /kv/{key}", a.handleSet)
	mux.HandleFunc("GET /kv/{key}", a.handleGet)
	mux.HandleFunc("DELETE /kv/{key}", a.handleDelete)
	mux.HandleFunc("POST /members/{id}", a.handleAddServer)
	mux.HandleFunc("DELETE /members/{id}", a.handleRemoveServer)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// requestContext tags the request with an ID so the node's logs can be matched to it
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	ctx := node.WithRequestID(r.Context(), id)
	return context.WithTimeout(ctx, proposeTimeout)
}

func (a *api) handleSet(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(value) > maxValueSize {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}
	a.propose(w, r, state_machine.EncodeSet([]byte(r.PathValue("key")), value))
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	a.propose(w, r, state_machine.EncodeDelete([]byte(r.PathValue("key"))))
}

func (a *api) propose(w http.ResponseWriter, r *http.Request, command []byte) {
	// Reject malformed commands before they reach the log
	if _, err := state_machine.DecodeOperation(command); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := a.node.Propose(ctx, command)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": res.Success})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	value, ok := a.kv.Get([]byte(r.PathValue("key")))
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

func (a *api) handleAddServer(w http.ResponseWriter, r *http.Request) {
	change := raft.ConfigChange{Type: raft.AddMember, Server: raft.ServerID(r.PathValue("id"))}
	if r.URL.Query().Get("learner") == "true" {
		change.Type = raft.AddLearner
	}
	a.changeMembership(w, r, change)
}

func (a *api) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	a.changeMembership(w, r, raft.ConfigChange{Type: raft.RemoveServer, Server: raft.ServerID(r.PathValue("id"))})
}

func (a *api) changeMembership(w http.ResponseWriter, r *http.Request, change raft.ConfigChange) {
	ctx, cancel := requestContext(r)
	defer cancel()

	if err := a.node.ChangeMembership(ctx, change); err != nil {
		a.writeError(ctx, w, err)
		return
	}
	a.handleStatus(w, r)
}

type statusResponse struct {
	ID          raft.ServerID   `json:"id"`
	Term        raft.Term       `json:"term"`
	CommitIndex raft.LogIndex   `json:"commit_index"`
	LastApplied raft.LogIndex   `json:"last_applied"`
	Durable     bool            `json:"durable"`
	Members     []raft.ServerID `json:"members"`
	Learners    []raft.ServerID `json:"learners"`
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	config := a.node.Configuration()
	writeJSON(w, http.StatusOK, statusResponse{
		ID:          a.node.ID(),
		Term:        a.node.Term(),
		CommitIndex: a.node.CommitIndex(),
		LastApplied: a.node.LastApplied(),
		Durable:     a.node.Durable(),
		Members:     config.Config.Voters(),
		Learners:    config.Config.LearnerIDs(),
	})
}

func (a *api) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	id, _ := node.RequestID(ctx)
	log.Printf("[NODE-%s] Request %s failed: %v", a.node.ID(), id, err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, raft.ErrUnknownOperation), errors.Is(err, membership.ErrChangeTargetsSelf),
		errors.Is(err, membership.ErrNoopChange), errors.Is(err, membership.ErrUnknownChange):
		status = http.StatusBadRequest
	case errors.Is(err, node.ErrConfigChangePending):
		status = http.StatusConflict
	case errors.Is(err, node.ErrNotDurable), errors.Is(err, node.ErrNodeClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
