// Package session drives the message lifecycle of chat sessions: it turns a
// prompt into a user/assistant message pair, runs the generation pipeline
// and mirrors every transition to the message store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixchat/internal/models"
	"pixchat/internal/redis"
	"pixchat/internal/service/catalog"
	"pixchat/internal/service/pipeline"
)

var (
	ErrEmptyPrompt = errors.New("prompt is required")
	ErrEmptyModel  = errors.New("model name is required")
)

const unknownError = "Unknown error occurred"

// Generator runs one prompt through the generation pipeline.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) ([]models.GeneratedImage, error)
}

// Store is the persistence gateway. Every call is best-effort from the
// manager's point of view.
type Store interface {
	List(ctx context.Context, sessionID string) ([]*models.Message, error)
	Save(ctx context.Context, msg *models.Message) error
	Update(ctx context.Context, id string, u models.MessageUpdate) error
	Clear(ctx context.Context, sessionID string) (int64, error)
}

// Prober reports serving API liveness.
type Prober interface {
	Probe(ctx context.Context) bool
	BaseURL() string
}

// Options wires the manager's collaborators; Store and Cache may be nil.
type Options struct {
	Lister     catalog.Lister
	Prober     Prober
	Store      Store
	Cache      *redis.Client
	CatalogTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// SubmitRequest starts one generation. OnAccepted, when set, receives copies
// of the new pair before generation starts.
type SubmitRequest struct {
	SessionID  string
	Prompt     string
	OnAccepted func(user, assistant *models.Message)
}

// Exchange is the message pair produced by one submit.
type Exchange struct {
	User      *models.Message `json:"user"`
	Assistant *models.Message `json:"assistant"`
}

// ClearResult reports both sides of a clear. RemoteErr is informational.
type ClearResult struct {
	Local     int   `json:"local"`
	Remote    int64 `json:"remote"`
	RemoteErr error `json:"-"`
}

// Status is the serving API liveness report.
type Status struct {
	Connected bool   `json:"connected"`
	BaseURL   string `json:"baseUrl"`
}

// ModelsReport is a session's catalog view.
type ModelsReport struct {
	Models      []models.OllamaModel            `json:"models"`
	Categorized map[string][]models.OllamaModel `json:"categorized"`
	Categories  []models.ModelCategory          `json:"categories"`
	Selected    *models.SelectedModel           `json:"selected"`
}

type Manager struct {
	gen        Generator
	lister     catalog.Lister
	prober     Prober
	store      Store
	cache      *stateRedis
	catalogTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
	origin     string

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func NewManager(gen Generator, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lister := opts.Lister
	if lister == nil {
		lister = noModels{}
	}
	origin := uuid.NewString()
	return &Manager{
		gen:        gen,
		lister:     lister,
		prober:     opts.Prober,
		store:      opts.Store,
		cache:      newStateCache(opts.Cache, origin, logger),
		catalogTTL: opts.CatalogTTL,
		logger:     logger,
		now:        now,
		origin:     origin,
		sessions:   make(map[string]*sessionState),
	}
}

// Start subscribes to events from other instances when a cache is configured.
func (m *Manager) Start(ctx context.Context) error {
	return m.cache.startListener(ctx, m.applyRemote)
}

// Submit runs the full lifecycle of one prompt. It fails only for an empty
// prompt; generation failures end in a Failed assistant message.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Exchange, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	sessionID := models.NormalizeSessionID(req.SessionID)
	st := m.ensureSession(sessionID)

	now := m.now()
	stamp := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	user := &models.Message{
		ID:        "user-" + stamp,
		Type:      models.RoleUser,
		Content:   prompt,
		Timestamp: now,
		SessionID: sessionID,
	}
	assistant := &models.Message{
		ID:           "assistant-" + stamp,
		Type:         models.RoleAssistant,
		Content:      fmt.Sprintf(`Generating images for: "%s"`, prompt),
		Timestamp:    now,
		IsGenerating: true,
		SessionID:    sessionID,
	}

	for _, added := range st.append(user, assistant) {
		m.emit(ctx, st, Event{Type: EventMessageAdded, SessionID: sessionID, Message: added})
	}
	persistCtx := context.WithoutCancel(ctx)
	m.persistSave(persistCtx, user)
	m.persistSave(persistCtx, assistant)
	if req.OnAccepted != nil {
		req.OnAccepted(user.Clone(), assistant.Clone())
	}

	// a dispatched generation runs to completion; only the client timeouts bound it
	images, err := m.gen.Generate(persistCtx, pipeline.Request{
		Prompt:   prompt,
		Override: m.SelectedModel(ctx, sessionID),
		Catalog:  st.catalog,
	})
	update := completion(prompt, images, err)
	if err != nil {
		m.logger.Warn("generation failed",
			zap.String("session", sessionID),
			zap.String("message", assistant.ID),
			zap.Error(err),
		)
	}

	final, ok := st.update(assistant.ID, update)
	if !ok {
		// cleared while generating; the pair is gone locally and remotely
		final = assistant.Clone()
		final.Apply(update)
		return &Exchange{User: user.Clone(), Assistant: final}, nil
	}
	m.emit(ctx, st, Event{Type: EventMessageUpdated, SessionID: sessionID, Message: final})
	m.persistUpdate(persistCtx, assistant.ID, update)
	m.cache.cacheMessages(persistCtx, sessionID, st.snapshot())
	return &Exchange{User: user.Clone(), Assistant: final}, nil
}

// completion builds the terminal update of an assistant message.
func completion(prompt string, images []models.GeneratedImage, err error) models.MessageUpdate {
	done := false
	if err != nil {
		content := fmt.Sprintf(`I encountered an error while generating images for "%s".`, prompt)
		text := err.Error()
		if text == "" {
			text = unknownError
		}
		return models.MessageUpdate{Content: &content, Error: &text, IsGenerating: &done}
	}
	content := fmt.Sprintf(`Here are the images I generated for "%s":`, prompt)
	return models.MessageUpdate{Content: &content, Images: &images, IsGenerating: &done}
}

// Messages returns a copy of the session's ordered message list.
func (m *Manager) Messages(sessionID string) []*models.Message {
	return m.ensureSession(models.NormalizeSessionID(sessionID)).snapshot()
}

// Hydrate loads stored history into a session that has not been loaded yet.
// The redis snapshot is preferred over the store. Failures leave the session
// as it was.
func (m *Manager) Hydrate(ctx context.Context, sessionID string) (int, error) {
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	if !st.markHydrated() {
		return 0, nil
	}
	if msgs, ok := m.cache.loadMessages(ctx, sessionID); ok {
		return len(st.merge(msgs...)), nil
	}
	if m.store == nil {
		return 0, nil
	}
	msgs, err := m.store.List(ctx, sessionID)
	if err != nil {
		m.logger.Warn("load history failed", zap.String("session", sessionID), zap.Error(err))
		st.clearHydrated()
		return 0, err
	}
	return len(st.merge(msgs...)), nil
}

// Clear empties the session locally first, then asks the store to do the same.
func (m *Manager) Clear(ctx context.Context, sessionID string) ClearResult {
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	res := ClearResult{Local: st.reset()}
	m.emit(ctx, st, Event{Type: EventCleared, SessionID: sessionID})
	m.cache.invalidateMessages(ctx, sessionID)
	if m.store == nil {
		return res
	}
	n, err := m.store.Clear(ctx, sessionID)
	if err != nil {
		m.logger.Warn("clear stored messages failed", zap.String("session", sessionID), zap.Error(err))
		res.RemoteErr = err
		return res
	}
	res.Remote = n
	return res
}

// SelectModel records the user's override for the session. An empty
// category is derived from the model name.
func (m *Manager) SelectModel(ctx context.Context, sessionID string, sel models.SelectedModel) (*models.SelectedModel, error) {
	sel.Name = strings.TrimSpace(sel.Name)
	if sel.Name == "" {
		return nil, ErrEmptyModel
	}
	resolved := catalog.Selection(sel.Name, sel.Category)
	if sel.Purpose != "" {
		resolved.Purpose = sel.Purpose
	}
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	st.setSelected(&resolved)
	m.cache.cacheSelection(ctx, sessionID, &resolved)
	m.emit(ctx, st, Event{Type: EventModelSelected, SessionID: sessionID, Model: &resolved})
	m.logger.Info("model selected", zap.String("session", sessionID), zap.String("model", resolved.Name))
	return &resolved, nil
}

// ClearModel drops the override so auto-selection applies again.
func (m *Manager) ClearModel(ctx context.Context, sessionID string) {
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	st.setSelected(nil)
	m.cache.cacheSelection(ctx, sessionID, nil)
	m.emit(ctx, st, Event{Type: EventModelSelected, SessionID: sessionID})
}

// SelectedModel returns the session's override, falling back to the redis copy.
func (m *Manager) SelectedModel(ctx context.Context, sessionID string) *models.SelectedModel {
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	if sel := st.getSelected(); sel != nil {
		return sel
	}
	if sel, ok := m.cache.loadSelection(ctx, sessionID); ok {
		st.setSelected(sel)
		return sel
	}
	return nil
}

// Status probes the serving API.
func (m *Manager) Status(ctx context.Context) Status {
	if m.prober == nil {
		return Status{}
	}
	return Status{Connected: m.prober.Probe(ctx), BaseURL: m.prober.BaseURL()}
}

// Models returns the session catalog; refresh forces a new discovery.
func (m *Manager) Models(ctx context.Context, sessionID string, refresh bool) ModelsReport {
	sessionID = models.NormalizeSessionID(sessionID)
	st := m.ensureSession(sessionID)
	var list []models.OllamaModel
	if refresh {
		list = st.catalog.Discover(ctx)
	} else {
		list = st.catalog.Cached(ctx)
	}
	return ModelsReport{
		Models:      list,
		Categorized: catalog.Categorize(list),
		Categories:  catalog.Categories,
		Selected:    m.SelectedModel(ctx, sessionID),
	}
}

// Subscribe streams the session's change events until cancel is called.
// Slow subscribers miss events rather than block the lifecycle.
func (m *Manager) Subscribe(sessionID string) (<-chan Event, func()) {
	st := m.ensureSession(models.NormalizeSessionID(sessionID))
	id, ch := st.subscribe()
	var once sync.Once
	return ch, func() { once.Do(func() { st.unsubscribe(id) }) }
}

func (m *Manager) ensureSession(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[sessionID]; ok {
		return st
	}
	st := newSessionState(catalog.New(m.lister, m.catalogTTL, m.logger))
	m.sessions[sessionID] = st
	return st
}

func (m *Manager) emit(ctx context.Context, st *sessionState, evt Event) {
	if evt.At.IsZero() {
		evt.At = m.now()
	}
	if dropped := st.broadcast(evt); dropped > 0 {
		m.logger.Debug("session event dropped", zap.String("type", string(evt.Type)), zap.Int("subscribers", dropped))
	}
	m.cache.publish(context.WithoutCancel(ctx), evt)
}

// applyRemote projects an event published by another instance.
func (m *Manager) applyRemote(evt Event) {
	sessionID := models.NormalizeSessionID(evt.SessionID)
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	switch evt.Type {
	case EventMessageAdded:
		st.append(evt.Message)
	case EventMessageUpdated:
		st.replace(evt.Message)
	case EventCleared:
		st.reset()
	case EventModelSelected:
		st.setSelected(evt.Model)
	default:
		m.logger.Debug("unknown session event", zap.String("type", string(evt.Type)))
		return
	}
	st.broadcast(evt)
}

type noModels struct{}

func (noModels) ListModels(context.Context) ([]models.OllamaModel, error) {
	return []models.OllamaModel{}, nil
}

func (m *Manager) persistSave(ctx context.Context, msg *models.Message) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, msg); err != nil {
		m.logger.Warn("mirror message failed", zap.String("message", msg.ID), zap.Error(err))
	}
}

func (m *Manager) persistUpdate(ctx context.Context, id string, u models.MessageUpdate) {
	if m.store == nil {
		return
	}
	if err := m.store.Update(ctx, id, u); err != nil {
		m.logger.Warn("mirror update failed", zap.String("message", id), zap.Error(err))
	}
}
