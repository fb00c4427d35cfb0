package models

// StartConversationRequest is the payload for POST /conversations.
type StartConversationRequest struct {
	PatientID           string           `json:"patient_id"`
	InitiatorID         string           `json:"initiator_id"`
	Type                ConversationType `json:"type,omitempty"`
	TargetSymptomsCount int              `json:"target_symptoms_count,omitempty"`
}

// Validate checks required fields and bounds.
func (r *StartConversationRequest) Validate() error {
	if r.PatientID == "" {
		return &ValidationError{Field: "patient_id", Value: "", Allowed: "non-empty"}
	}
	if r.InitiatorID == "" {
		return &ValidationError{Field: "initiator_id", Value: "", Allowed: "non-empty"}
	}
	if r.Type != "" && !IsValidConversationType(r.Type) {
		return &ValidationError{Field: "type", Value: string(r.Type), Allowed: "general|symptom_collection"}
	}
	if r.TargetSymptomsCount < 0 {
		return &ValidationError{Field: "target_symptoms_count", Value: itoa(r.TargetSymptomsCount), Allowed: ">=1"}
	}
	return nil
}

// PostMessageRequest is the payload for POST /conversations/{id}/messages.
type PostMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Validate checks required fields.
func (r *PostMessageRequest) Validate() error {
	if r.Sender == "" {
		return &ValidationError{Field: "sender", Value: "", Allowed: "non-empty"}
	}
	if r.Content == "" {
		return &ValidationError{Field: "content", Value: "", Allowed: "non-empty"}
	}
	return nil
}

// DiagnosisStatusUpdateRequest is the payload for PUT /diagnoses/{id}/status.
type DiagnosisStatusUpdateRequest struct {
	Status DiagnosisStatus `json:"status"`
}

// Validate checks the status is a known workflow position.
func (r *DiagnosisStatusUpdateRequest) Validate() error {
	if !IsValidDiagnosisStatus(r.Status) {
		return &ValidationError{Field: "status", Value: string(r.Status), Allowed: "pending|in_review|completed|archived"}
	}
	return nil
}

// PostMessageResult is the API shape for one handled inbound message.
type PostMessageResult struct {
	Outcome   string               `json:"outcome"`
	Reply     string               `json:"reply,omitempty"`
	Summary   *ConversationSummary `json:"summary,omitempty"`
	Diagnosis *Diagnosis           `json:"diagnosis,omitempty"`
}
