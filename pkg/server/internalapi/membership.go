package internalapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/instances"
	"go.f110.dev/instances/pkg/logger"
	"go.f110.dev/instances/pkg/server"
)

// Engine is the part of *instances.Instances that the membership endpoints read.
type Engine interface {
	ID() string
	Snapshot() (*instances.Snapshot, error)
}

type MembershipResponse struct {
	Id       string              `json:"id"`
	Snapshot *instances.Snapshot `json:"snapshot"`
}

type LeaderResponse struct {
	Id        string `json:"id"`
	Leader    string `json:"leader,omitempty"`
	HasLeader bool   `json:"has_leader"`
	IsLeader  bool   `json:"is_leader"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Membership serves the current snapshot of the engine.
type Membership struct {
	engine Engine
	log    *zap.Logger
}

var _ server.ChildServer = &Membership{}

func NewMembership(engine Engine) *Membership {
	return &Membership{engine: engine, log: logger.Named("internalapi")}
}

func (m *Membership) Route(mux *httprouter.Router) {
	mux.GET("/internal/instances", m.Instances)
	mux.GET("/internal/leader", m.Leader)
}

func (m *Membership) Instances(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s, err := m.engine.Snapshot()
	if err != nil {
		m.writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: err.Error()})
		return
	}

	m.writeJSON(w, http.StatusOK, &MembershipResponse{Id: m.engine.ID(), Snapshot: s})
}

func (m *Membership) Leader(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s, err := m.engine.Snapshot()
	if err != nil {
		m.writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{Error: err.Error()})
		return
	}

	id := m.engine.ID()
	m.writeJSON(w, http.StatusOK, &LeaderResponse{
		Id:        id,
		Leader:    s.Leader,
		HasLeader: s.HasLeader(),
		IsLeader:  s.HasLeader() && s.Leader == id,
	})
}

func (m *Membership) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Info("Failed to write the response", zap.Error(err))
	}
}
