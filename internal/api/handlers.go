package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/caretrail/symflow/internal/flow"
	"github.com/caretrail/symflow/internal/models"
)

// startConversationHandler handles POST /conversations
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startConversationHandler: processing request", "method", r.Method, "path", r.URL.Path)

	var req models.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.startConversationHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	c, err := s.orchestrator.StartConversation(ctx, req.PatientID, req.InitiatorID, req.Type, req.TargetSymptomsCount)
	if err != nil {
		slog.Error("Server.startConversationHandler: failed to start conversation", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}

	slog.Info("Server.startConversationHandler: conversation started", "conversationID", c.ID, "patientID", c.PatientID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", c))
}

// listConversationsHandler handles GET /conversations?patient_id=...
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: patient_id"))
		return
	}
	slog.Debug("Server.listConversationsHandler invoked", "patientID", patientID)

	conversations, err := s.st.ListConversations(patientID)
	if err != nil {
		slog.Error("Server.listConversationsHandler failed", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}

	// Listing rows carry no symptom records, so they get the lighter
	// row shape instead of the full summary.
	items := make([]models.ConversationListItem, 0, len(conversations))
	for i := range conversations {
		items = append(items, conversations[i].ListItem())
	}
	slog.Debug("Server.listConversationsHandler succeeded", "count", len(items))
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

// getConversationHandler handles GET /conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.getConversationHandler invoked", "conversationID", id)

	c, err := s.orchestrator.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.getConversationHandler failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get conversation"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(c.Summary()))
}

// postMessageHandler handles POST /conversations/{id}/messages
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.postMessageHandler invoked", "conversationID", id)

	var req models.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.postMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.postMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	result, err := s.orchestrator.HandleInboundMessage(ctx, id, req.Sender, req.Content)
	if err != nil {
		s.writeOrchestratorError(w, id, err)
		return
	}

	s.writeOrchestratorResult(w, result)
}

// cancelConversationHandler handles POST /conversations/{id}/cancel
func (s *Server) cancelConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.cancelConversationHandler invoked", "conversationID", id)

	c, err := s.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.cancelConversationHandler failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel conversation"))
		return
	}

	slog.Info("Server.cancelConversationHandler: conversation cancelled", "conversationID", id, "status", c.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cancelled", c.Summary()))
}

// deleteConversationHandler handles DELETE /conversations/{id}
func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.deleteConversationHandler invoked", "conversationID", id)

	if err := s.orchestrator.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.deleteConversationHandler failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete conversation"))
		return
	}

	slog.Info("Server.deleteConversationHandler: conversation deleted", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation deleted", nil))
}

// listDiagnosesHandler handles GET /diagnoses?patient_id=...
func (s *Server) listDiagnosesHandler(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: patient_id"))
		return
	}
	slog.Debug("Server.listDiagnosesHandler invoked", "patientID", patientID)

	diagnoses, err := s.st.ListDiagnoses(patientID)
	if err != nil {
		slog.Error("Server.listDiagnosesHandler failed", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list diagnoses"))
		return
	}

	slog.Debug("Server.listDiagnosesHandler succeeded", "count", len(diagnoses))
	writeJSONResponse(w, http.StatusOK, models.Success(diagnoses))
}

// getDiagnosisHandler handles GET /diagnoses/{id}
func (s *Server) getDiagnosisHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.diagnosisID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.getDiagnosisHandler invoked", "diagnosisID", id)

	d, err := s.st.GetDiagnosis(id)
	if err != nil {
		slog.Error("Server.getDiagnosisHandler failed", "error", err, "diagnosisID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get diagnosis"))
		return
	}
	if d == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Diagnosis not found"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

// updateDiagnosisStatusHandler handles PUT /diagnoses/{id}/status
func (s *Server) updateDiagnosisStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, ok := s.diagnosisID(w, r)
	if !ok {
		return
	}
	slog.Debug("Server.updateDiagnosisStatusHandler invoked", "diagnosisID", id)

	var req models.DiagnosisStatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.updateDiagnosisStatusHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.updateDiagnosisStatusHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.st.UpdateDiagnosisStatus(id, req.Status); err != nil {
		if errors.Is(err, models.ErrDiagnosisNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Diagnosis not found"))
			return
		}
		if strings.Contains(err.Error(), "illegal diagnosis status transition") {
			slog.Warn("Server.updateDiagnosisStatusHandler: illegal transition", "error", err, "diagnosisID", id)
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.updateDiagnosisStatusHandler failed", "error", err, "diagnosisID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update diagnosis status"))
		return
	}

	slog.Info("Server.updateDiagnosisStatusHandler: status updated", "diagnosisID", id, "status", req.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Diagnosis status updated", nil))
}

// healthHandler handles GET /health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// writeOrchestratorResult maps an orchestrator result onto the JSON envelope.
func (s *Server) writeOrchestratorResult(w http.ResponseWriter, result flow.Result) {
	switch result.Kind {
	case flow.ResultRejected:
		writeJSONResponse(w, http.StatusConflict, models.Rejected(result.Reason, nil))
	case flow.ResultCollectionFinished:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Symptom collection finished", models.PostMessageResult{
			Outcome:   string(result.Kind),
			Reply:     result.Prompt,
			Summary:   result.Summary,
			Diagnosis: result.Diagnosis,
		}))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(models.PostMessageResult{
			Outcome: string(result.Kind),
			Reply:   result.Prompt,
		}))
	}
}

// writeOrchestratorError maps orchestrator failures onto HTTP statuses.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, models.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	var extErr *models.ExternalServiceError
	if errors.As(err, &extErr) {
		slog.Error("Server.postMessageHandler: external collaborator failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("External service unavailable, please retry"))
		return
	}
	slog.Error("Server.postMessageHandler failed", "error", err, "conversationID", id)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
}

// conversationID extracts and parses the {id} path value, writing the error
// response itself when the value is not a UUID.
func (s *Server) conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		slog.Warn("Server: invalid conversation id", "id", raw, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid conversation id"))
		return uuid.Nil, false
	}
	return id, true
}

// diagnosisID extracts and parses the {id} path value for diagnosis routes.
func (s *Server) diagnosisID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		slog.Warn("Server: invalid diagnosis id", "id", raw, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid diagnosis id"))
		return uuid.Nil, false
	}
	return id, true
}
