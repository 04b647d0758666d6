package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
)

// Remote agents live outside the process and reach the bus over HTTP.
// Each is bound to one principal and may only act as itself: publish as its
// own id and drain its own queue.

func (s *Server) remoteAgent(w http.ResponseWriter, r *http.Request) (bus.AgentID, bool) {
	id := bus.AgentID(r.PathValue("id"))
	owner, ok := s.remote[id]
	if !ok || s.cfg.Bus == nil {
		writeError(w, http.StatusNotFound, "unknown remote agent")
		return "", false
	}
	if principal := PrincipalFromContext(r.Context()); owner == "" || principal != owner {
		s.logger.Warn("remote agent principal mismatch", "agent", string(id), "principal", principal)
		audit.Record("remote_agent.access", principal, audit.Deny, "principal not bound to agent", string(id))
		writeError(w, http.StatusForbidden, "principal may not act as "+string(id))
		return "", false
	}
	return id, true
}

type publishRequest struct {
	To            string          `json:"to"`
	TaskType      string          `json:"task_type"`
	Priority      string          `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	RequiresAck   *bool           `json:"requires_ack,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	from, ok := s.remoteAgent(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	tt, err := bus.ParseTaskType(req.TaskType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prio := bus.Normal
	if req.Priority != "" {
		if prio, err = bus.ParsePriority(req.Priority); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	env, err := bus.NewEnvelope(from, bus.AgentID(req.To), tt, prio, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env.Payload = req.Payload
	if req.Deadline != nil {
		env.Deadline = req.Deadline.UTC()
	}
	if req.RequiresAck != nil {
		env.RequiresAck = *req.RequiresAck
	}
	env.CorrelationID = req.CorrelationID

	err = s.cfg.Bus.Publish(r.Context(), env)
	switch {
	case errors.Is(err, bus.ErrUnknownRecipient):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, bus.ErrTaskTypeNotAccepted), errors.Is(err, bus.ErrUnknownTaskType), errors.Is(err, bus.ErrUnknownPriority):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("remote publish", "from", string(from), "to", req.To, "task_type", string(tt), "envelope_id", env.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"envelope_id": env.ID})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	id, ok := s.remoteAgent(w, r)
	if !ok {
		return
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxNextWait)
	}
	env, ok, err := s.cfg.Bus.Next(r.Context(), id, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, ok := s.remoteAgent(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Bus.Acknowledge(id, r.PathValue("env")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	id, ok := s.remoteAgent(w, r)
	if !ok {
		return
	}
	var req nackRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "remote agent reported failure"
	}
	if err := s.cfg.Bus.Nack(r.Context(), id, r.PathValue("env"), req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
