package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/caretrail/symflow/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a mutex-guarded map-backed Store used in tests and
// single-process deployments without a database.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]models.Conversation
	messages      map[uuid.UUID][]models.Message
	symptoms      map[uuid.UUID]map[uuid.UUID]models.SymptomRecord
	diagnoses     map[uuid.UUID]models.Diagnosis
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[uuid.UUID]models.Conversation),
		messages:      make(map[uuid.UUID][]models.Message),
		symptoms:      make(map[uuid.UUID]map[uuid.UUID]models.SymptomRecord),
		diagnoses:     make(map[uuid.UUID]models.Diagnosis),
	}
}

// SaveConversation inserts or updates the conversation row.
func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Children are tracked separately; the aggregate row stores none.
	c.Messages = nil
	c.Symptoms = nil
	s.conversations[c.ID] = c
	return nil
}

// GetConversation loads the aggregate with ordered children.
func (s *InMemoryStore) GetConversation(id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	msgs := make([]models.Message, len(s.messages[id]))
	copy(msgs, s.messages[id])
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	c.Messages = msgs

	var recs []models.SymptomRecord
	for _, r := range s.symptoms[id] {
		recs = append(recs, r)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CollectionOrder < recs[j].CollectionOrder })
	c.Symptoms = recs
	return &c, nil
}

// ListConversations returns conversation rows for a patient.
func (s *InMemoryStore) ListConversations(patientID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// DeleteConversation removes the conversation and its children.
func (s *InMemoryStore) DeleteConversation(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.symptoms, id)
	return nil
}

// AddMessage appends one message turn.
func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return fmt.Errorf("conversation %s does not exist", m.ConversationID)
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

// SaveSymptomRecord inserts or updates one symptom record.
func (s *InMemoryStore) SaveSymptomRecord(r models.SymptomRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[r.ConversationID]; !ok {
		return fmt.Errorf("conversation %s does not exist", r.ConversationID)
	}
	if s.symptoms[r.ConversationID] == nil {
		s.symptoms[r.ConversationID] = make(map[uuid.UUID]models.SymptomRecord)
	}
	s.symptoms[r.ConversationID][r.ID] = r
	return nil
}

// AddDiagnosis stores a newly created diagnosis.
func (s *InMemoryStore) AddDiagnosis(d models.Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnoses[d.ID] = d
	return nil
}

// GetDiagnosis loads one diagnosis by identity.
func (s *InMemoryStore) GetDiagnosis(id uuid.UUID) (*models.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diagnoses[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// ListDiagnoses returns diagnoses for a patient, newest first.
func (s *InMemoryStore) ListDiagnoses(patientID string) ([]models.Diagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Diagnosis
	for _, d := range s.diagnoses {
		if d.PatientID == patientID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateDiagnosisStatus applies a forward-only status transition.
func (s *InMemoryStore) UpdateDiagnosisStatus(id uuid.UUID, status models.DiagnosisStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diagnoses[id]
	if !ok {
		return models.ErrDiagnosisNotFound
	}
	if !d.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal diagnosis status transition %s -> %s", d.Status, status)
	}
	d.Status = status
	s.diagnoses[id] = d
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
