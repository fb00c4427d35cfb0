package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/symflow/internal/models"
	"github.com/caretrail/symflow/internal/rules"
	"github.com/caretrail/symflow/internal/store"
	"github.com/caretrail/symflow/internal/taxonomy"
)

// Orchestrator defaults.
const (
	// DefaultSessionTimeout is the inactivity window after which a
	// conversation is interrupted.
	DefaultSessionTimeout = 30 * time.Minute
	// DefaultMaxAttempts bounds retries on external calls (NLU, handoff).
	DefaultMaxAttempts = 3
	// DefaultHistoryWindow is how many recent messages accompany an
	// extraction call for context.
	DefaultHistoryWindow = 10

	retryBaseDelay = 200 * time.Millisecond
)

const engineSender = "symflow"

// Extractor is the external NLU collaborator. A message it cannot parse
// yields an empty Extraction, not an error.
type Extractor interface {
	Extract(ctx context.Context, text string, history []models.Message) (models.Extraction, error)
}

// ResultKind classifies the orchestrator's answer to one inbound message.
type ResultKind string

const (
	// ResultNextPrompt carries the next question to relay to the caregiver.
	ResultNextPrompt ResultKind = "next_prompt"
	// ResultCollectionFinished signals the quota is filled and a diagnosis
	// was handed off.
	ResultCollectionFinished ResultKind = "collection_finished"
	// ResultRejected means the conversation accepts no further messages.
	ResultRejected ResultKind = "rejected"
)

// Result is the outcome of handling one inbound message.
type Result struct {
	Kind      ResultKind
	Prompt    string
	Reason    string
	Summary   *models.ConversationSummary
	Diagnosis *models.Diagnosis
}

// Opts holds orchestrator configuration.
type Opts struct {
	SessionTimeout time.Duration
	MaxAttempts    int
	HistoryWindow  int
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Opts)

// WithSessionTimeout overrides the inactivity timeout.
func WithSessionTimeout(d time.Duration) OrchestratorOption {
	return func(o *Opts) { o.SessionTimeout = d }
}

// WithMaxAttempts overrides the external-call retry bound.
func WithMaxAttempts(n int) OrchestratorOption {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithHistoryWindow overrides how many recent messages are sent to the NLU.
func WithHistoryWindow(n int) OrchestratorOption {
	return func(o *Opts) { o.HistoryWindow = n }
}

// lockTable serializes work per conversation identity. Distinct conversations
// proceed in parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (lt *lockTable) acquire(id uuid.UUID) *sync.Mutex {
	lt.mu.Lock()
	l, ok := lt.locks[id]
	if !ok {
		l = &sync.Mutex{}
		lt.locks[id] = l
	}
	lt.mu.Unlock()
	l.Lock()
	return l
}

// Orchestrator mediates between inbound messages, the collection state
// machine, and the rule engine.
type Orchestrator struct {
	store     store.Store
	taxonomy  *taxonomy.Store
	extractor Extractor
	handoff   *HandoffAdapter
	locks     *lockTable
	timer     *SessionTimer

	sessionTimeout time.Duration
	maxAttempts    int
	historyWindow  int
}

// NewOrchestrator wires the conversation engine together.
func NewOrchestrator(st store.Store, tax *taxonomy.Store, extractor Extractor, handoff *HandoffAdapter, opts ...OrchestratorOption) *Orchestrator {
	cfg := Opts{
		SessionTimeout: DefaultSessionTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		HistoryWindow:  DefaultHistoryWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	slog.Debug("NewOrchestrator", "sessionTimeout", cfg.SessionTimeout,
		"maxAttempts", cfg.MaxAttempts, "historyWindow", cfg.HistoryWindow)
	return &Orchestrator{
		store:          st,
		taxonomy:       tax,
		extractor:      extractor,
		handoff:        handoff,
		locks:          newLockTable(),
		timer:          NewSessionTimer(),
		sessionTimeout: cfg.SessionTimeout,
		maxAttempts:    cfg.MaxAttempts,
		historyWindow:  cfg.HistoryWindow,
	}
}

// StartConversation opens a new conversation of the requested type and posts
// the welcome message.
func (o *Orchestrator) StartConversation(ctx context.Context, patientID, initiatorID string, ctype models.ConversationType, target int) (*models.Conversation, error) {
	now := time.Now()
	c := NewConversation(patientID, initiatorID, ctype, target, now)
	if err := o.store.SaveConversation(*c); err != nil {
		return nil, err
	}

	welcome := fmt.Sprintf(
		"Hello! I'll help record the patient's symptoms. We'll go through %d symptoms together. What symptom is the patient experiencing?",
		c.TargetSymptomsCount)
	if _, err := o.appendMessage(c, engineSender, welcome, models.MessageKindSystem); err != nil {
		return nil, err
	}

	o.armSessionTimer(c.ID)
	slog.Info("Orchestrator.StartConversation: conversation started", "conversationID", c.ID,
		"patientID", patientID, "type", c.Type, "target", c.TargetSymptomsCount)
	return c, nil
}

// GetConversation loads the conversation aggregate.
func (o *Orchestrator) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c, err := o.store.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, models.ErrConversationNotFound
	}
	return c, nil
}

// HandleInboundMessage processes one caregiver message: append it, extract
// symptom signal, step the state machine, and compose the next prompt or the
// completion result. Messages for one conversation are serialized.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, conversationID uuid.UUID, sender, text string) (Result, error) {
	lock := o.locks.acquire(conversationID)
	defer lock.Unlock()

	c, err := o.store.GetConversation(conversationID)
	if err != nil {
		return Result{}, err
	}
	if c == nil {
		return Result{}, models.ErrConversationNotFound
	}
	if c.Terminal() {
		slog.Debug("Orchestrator.HandleInboundMessage: conversation terminal, rejecting",
			"conversationID", conversationID, "state", c.State)
		return Result{Kind: ResultRejected, Reason: models.ErrConversationFinalized.Error()}, nil
	}

	if _, err := o.appendMessage(c, sender, text, models.MessageKindUser); err != nil {
		return Result{}, err
	}

	extraction, err := o.extractWithRetry(ctx, text, o.historyTail(c))
	if err != nil {
		return Result{}, err
	}

	var result Result
	switch c.State {
	case models.StateCollectingCharacteristics:
		result, err = o.handleCollecting(ctx, c, extraction)
	default:
		result, err = o.handleAwaitingFocus(ctx, c, extraction)
	}
	if err != nil {
		return Result{}, err
	}

	if c.Terminal() {
		o.timer.Cancel(c.ID)
	} else {
		o.armSessionTimer(c.ID)
	}
	return result, nil
}

// handleAwaitingFocus opens a new symptom slot when the extraction names a
// primary symptom, or re-asks for one.
func (o *Orchestrator) handleAwaitingFocus(ctx context.Context, c *models.Conversation, extraction models.Extraction) (Result, error) {
	if extraction.PrimarySymptom == "" {
		return o.reply(c, "I couldn't identify a symptom there. What symptom is the patient experiencing?")
	}
	if c.RecordedSymptoms()[extraction.PrimarySymptom] {
		return o.reply(c, fmt.Sprintf(
			"We already recorded %s. Is there another symptom the patient is experiencing?",
			extraction.PrimarySymptom))
	}

	now := time.Now()
	category := o.taxonomy.CategoryFor(extraction.PrimarySymptom)
	slot, err := OpenSlot(c, extraction.PrimarySymptom, category, now)
	if err != nil {
		return Result{}, err
	}
	if err := ApplyAnswers(c, extraction.CharacteristicAnswers, now); err != nil {
		if perr := o.persistSlot(c, slot); perr != nil {
			return Result{}, perr
		}
		return o.rejectAnswers(c, err)
	}
	return o.advance(ctx, c)
}

// handleCollecting applies extracted answers to the open slot and steps the
// rule engine.
func (o *Orchestrator) handleCollecting(ctx context.Context, c *models.Conversation, extraction models.Extraction) (Result, error) {
	slot := c.OpenSlot()
	if slot == nil {
		// Focus lost without a matching record; fall back to asking for one.
		slog.Warn("Orchestrator.handleCollecting: no open slot for focus",
			"conversationID", c.ID, "focus", c.CurrentSymptomFocus)
		c.CurrentSymptomFocus = ""
		c.State = models.StateAwaitingFocus
		return o.handleAwaitingFocus(ctx, c, extraction)
	}

	now := time.Now()
	if extraction.PrimarySymptom != "" && extraction.PrimarySymptom != slot.Detail.PrimarySymptom {
		// A fresh symptom mentioned mid-slot is flagged for later, not
		// switched to; the open slot keeps the focus.
		FlagRelated(slot, extraction.PrimarySymptom, now)
	}
	if err := ApplyAnswers(c, extraction.CharacteristicAnswers, now); err != nil {
		if perr := o.persistSlot(c, slot); perr != nil {
			return Result{}, perr
		}
		return o.rejectAnswers(c, err)
	}
	return o.advance(ctx, c)
}

// advance queries the rule engine for the open slot and acts on the plan.
func (o *Orchestrator) advance(ctx context.Context, c *models.Conversation) (Result, error) {
	slot := c.OpenSlot()
	if slot == nil {
		return Result{}, models.ErrNoOpenSlot
	}

	plan, err := rules.NextQuestion(&slot.Detail, o.askedSymptoms(c, slot), o.taxonomy)
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	switch plan.Kind {
	case rules.PlanAskCharacteristic:
		if err := o.persistSlot(c, slot); err != nil {
			return Result{}, err
		}
		return o.reply(c, plan.Prompt)

	case rules.PlanAskRelated:
		FlagRelated(slot, plan.RelatedSymptom, now)
		if err := CloseSlot(c, now); err != nil {
			return Result{}, err
		}
		if err := o.persistSlot(c, slot); err != nil {
			return Result{}, err
		}
		if c.State == models.StateCollectionComplete {
			return o.finish(ctx, c)
		}
		return o.reply(c, fmt.Sprintf(
			"Thanks, that symptom is recorded. Is the patient also experiencing %s, or another symptom?",
			plan.RelatedSymptom))

	default: // rules.PlanSlotDone
		if err := CloseSlot(c, now); err != nil {
			return Result{}, err
		}
		if err := o.persistSlot(c, slot); err != nil {
			return Result{}, err
		}
		if c.State == models.StateCollectionComplete {
			return o.finish(ctx, c)
		}
		return o.reply(c, fmt.Sprintf(
			"Thanks, that symptom is recorded (%d of %d). What other symptom is the patient experiencing?",
			c.SymptomsCollectedCount, c.TargetSymptomsCount))
	}
}

// finish hands the completed collection off to the diagnosis workflow and
// composes the closing message. The completed conversation is persisted even
// if the handoff ultimately fails, so the collected data is never lost.
func (o *Orchestrator) finish(ctx context.Context, c *models.Conversation) (Result, error) {
	diagnosis, err := o.createDiagnosisWithRetry(ctx, c)
	if err != nil {
		return Result{}, err
	}

	closing := fmt.Sprintf(
		"All %d symptoms are recorded. The care team has been notified and will review them shortly.",
		c.SymptomsCollectedCount)
	if _, err := o.appendMessage(c, engineSender, closing, models.MessageKindSystem); err != nil {
		return Result{}, err
	}

	summary := c.Summary()
	return Result{
		Kind:      ResultCollectionFinished,
		Prompt:    closing,
		Summary:   &summary,
		Diagnosis: diagnosis,
	}, nil
}

// Cancel interrupts the conversation. Cancelling a terminal conversation is
// an idempotent no-op.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	lock := o.locks.acquire(conversationID)
	defer lock.Unlock()

	c, err := o.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, models.ErrConversationNotFound
	}
	if !Interrupt(c, time.Now()) {
		return c, nil
	}
	if err := o.store.SaveConversation(*c); err != nil {
		return nil, err
	}
	o.timer.Cancel(conversationID)
	return c, nil
}

// Delete removes a conversation and its owned messages and symptom records.
func (o *Orchestrator) Delete(ctx context.Context, conversationID uuid.UUID) error {
	lock := o.locks.acquire(conversationID)
	defer lock.Unlock()

	c, err := o.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return models.ErrConversationNotFound
	}
	o.timer.Cancel(conversationID)
	return o.store.DeleteConversation(conversationID)
}

// Stop cancels all session timers. Used on shutdown.
func (o *Orchestrator) Stop() {
	o.timer.Stop()
}

// armSessionTimer schedules an interruption after the inactivity window.
func (o *Orchestrator) armSessionTimer(conversationID uuid.UUID) {
	if o.sessionTimeout <= 0 {
		return
	}
	o.timer.Reset(conversationID, o.sessionTimeout, func() {
		slog.Info("Orchestrator: session timeout, interrupting conversation",
			"conversationID", conversationID)
		if _, err := o.Cancel(context.Background(), conversationID); err != nil {
			slog.Error("Orchestrator: session timeout cancel failed", "error", err,
				"conversationID", conversationID)
		}
	})
}

// reply appends an engine question and wraps it as a NextPrompt result.
func (o *Orchestrator) reply(c *models.Conversation, prompt string) (Result, error) {
	if err := o.store.SaveConversation(*c); err != nil {
		return Result{}, err
	}
	if _, err := o.appendMessage(c, engineSender, prompt, models.MessageKindAI); err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultNextPrompt, Prompt: prompt}, nil
}

// rejectAnswers turns a validation failure into a re-ask carrying the
// offending field and allowed range. No detail was written.
func (o *Orchestrator) rejectAnswers(c *models.Conversation, err error) (Result, error) {
	verr, ok := err.(*models.ValidationError)
	if !ok {
		return Result{}, err
	}
	slog.Debug("Orchestrator: answer rejected", "conversationID", c.ID, "error", verr)
	return o.reply(c, fmt.Sprintf("That %s value isn't valid (%s). Could you rephrase?",
		verr.Field, verr.Allowed))
}

// persistSlot saves the open (or just closed) record and the conversation row.
func (o *Orchestrator) persistSlot(c *models.Conversation, slot *models.SymptomRecord) error {
	if err := o.store.SaveSymptomRecord(*slot); err != nil {
		return err
	}
	return o.store.SaveConversation(*c)
}

// appendMessage appends a message with a timestamp strictly after the last
// one in the conversation, persisting it and attaching it to the aggregate.
func (o *Orchestrator) appendMessage(c *models.Conversation, sender, content string, kind models.MessageKind) (models.Message, error) {
	now := time.Now()
	if n := len(c.Messages); n > 0 {
		if last := c.Messages[n-1].Timestamp; !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	m := models.Message{
		ID:             uuid.New(),
		ConversationID: c.ID,
		Sender:         sender,
		Content:        content,
		Timestamp:      now,
		Kind:           kind,
	}
	if err := o.store.AddMessage(m); err != nil {
		slog.Error("Orchestrator.appendMessage: failed to store message", "error", err,
			"conversationID", c.ID)
		return models.Message{}, err
	}
	c.Messages = append(c.Messages, m)
	return m, nil
}

// historyTail returns the most recent messages for extraction context,
// excluding the message just appended.
func (o *Orchestrator) historyTail(c *models.Conversation) []models.Message {
	msgs := c.Messages
	if n := len(msgs); n > 0 {
		msgs = msgs[:n-1]
	}
	if len(msgs) > o.historyWindow {
		msgs = msgs[len(msgs)-o.historyWindow:]
	}
	return msgs
}

// askedSymptoms is the dedup set for related-symptom proposals: every symptom
// holding a slot plus every name already flagged on the open slot.
func (o *Orchestrator) askedSymptoms(c *models.Conversation, slot *models.SymptomRecord) map[string]bool {
	asked := c.RecordedSymptoms()
	for _, name := range slot.Detail.RelatedSymptoms {
		asked[name] = true
	}
	return asked
}

// extractWithRetry calls the NLU collaborator with bounded retries. A parse
// failure inside the collaborator is not an error; only transport failures
// reach here.
func (o *Orchestrator) extractWithRetry(ctx context.Context, text string, history []models.Message) (models.Extraction, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		extraction, err := o.extractor.Extract(ctx, text, history)
		if err == nil {
			return extraction, nil
		}
		lastErr = err
		slog.Warn("Orchestrator: extraction attempt failed", "attempt", attempt,
			"maxAttempts", o.maxAttempts, "error", err)
		if attempt < o.maxAttempts {
			select {
			case <-ctx.Done():
				return models.Extraction{}, ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}
	return models.Extraction{}, fmt.Errorf("extraction failed after %d attempts: %w", o.maxAttempts, lastErr)
}

// createDiagnosisWithRetry runs the handoff with bounded retries.
func (o *Orchestrator) createDiagnosisWithRetry(ctx context.Context, c *models.Conversation) (*models.Diagnosis, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		d, err := o.handoff.Create(ctx, c)
		if err == nil {
			return d, nil
		}
		lastErr = err
		slog.Warn("Orchestrator: diagnosis handoff attempt failed", "attempt", attempt,
			"maxAttempts", o.maxAttempts, "error", err)
		if attempt < o.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("diagnosis handoff failed after %d attempts: %w", o.maxAttempts, lastErr)
}
