package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pixchat/internal/failure"
	"pixchat/internal/models"
	"pixchat/internal/service/pipeline"
)

type mockGenerator struct {
	mu       sync.Mutex
	requests []pipeline.Request
	err      error
	block    chan struct{}
}

func (g *mockGenerator) Generate(ctx context.Context, req pipeline.Request) ([]models.GeneratedImage, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	err := g.err
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return []models.GeneratedImage{
		{ID: "img-1", URL: "https://example/1", Prompt: req.Prompt},
		{ID: "img-2", URL: "https://example/2", Prompt: req.Prompt},
	}, nil
}

func (g *mockGenerator) lastOverride() *models.SelectedModel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1].Override
}

type mockStore struct {
	mu       sync.Mutex
	saved    []*models.Message
	updates  map[string]models.MessageUpdate
	cleared  []string
	stored   []*models.Message
	failAll  error
	clearCnt int64
}

func newMockStore() *mockStore {
	return &mockStore{updates: make(map[string]models.MessageUpdate)}
}

func (s *mockStore) List(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, s.failAll
	}
	return s.stored, nil
}

func (s *mockStore) Save(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.saved = append(s.saved, msg.Clone())
	return nil
}

func (s *mockStore) Update(ctx context.Context, id string, u models.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.updates[id] = u
	return nil
}

func (s *mockStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return 0, s.failAll
	}
	s.cleared = append(s.cleared, sessionID)
	return s.clearCnt, nil
}

func newTestManager(gen Generator, store Store) *Manager {
	opts := Options{}
	if store != nil {
		opts.Store = store
	}
	return NewManager(gen, opts)
}

func TestSubmitCompletes(t *testing.T) {
	gen := &mockGenerator{}
	store := newMockStore()
	m := newTestManager(gen, store)

	var accepted []*models.Message
	ex, err := m.Submit(context.Background(), SubmitRequest{
		Prompt: "  a red fox  ",
		OnAccepted: func(user, assistant *models.Message) {
			accepted = append(accepted, user, assistant)
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(accepted) != 2 || !accepted[1].IsGenerating || accepted[1].Content != `Generating images for: "a red fox"` {
		t.Fatalf("unexpected accepted pair: %+v", accepted)
	}
	if ex.User.Content != "a red fox" || ex.User.SessionID != models.DefaultSessionID {
		t.Fatalf("unexpected user message: %+v", ex.User)
	}
	if !strings.HasPrefix(ex.User.ID, "user-") || !strings.HasPrefix(ex.Assistant.ID, "assistant-") {
		t.Fatalf("unexpected ids %s %s", ex.User.ID, ex.Assistant.ID)
	}
	a := ex.Assistant
	if a.IsGenerating || a.Error != "" || len(a.Images) != 2 {
		t.Fatalf("assistant not completed: %+v", a)
	}
	if a.Content != `Here are the images I generated for "a red fox":` {
		t.Fatalf("unexpected content %q", a.Content)
	}

	msgs := m.Messages("")
	if len(msgs) != 2 || msgs[0].Type != models.RoleUser || msgs[1].ID != a.ID || len(msgs[1].Images) != 2 {
		t.Fatalf("unexpected session messages: %+v", msgs)
	}

	if len(store.saved) != 2 || !store.saved[1].IsGenerating {
		t.Fatalf("pair not mirrored: %+v", store.saved)
	}
	u, ok := store.updates[a.ID]
	if !ok || u.Images == nil || u.Error != nil || u.IsGenerating == nil || *u.IsGenerating {
		t.Fatalf("completion not mirrored: %+v", u)
	}
}

func TestSubmitFailure(t *testing.T) {
	gen := &mockGenerator{err: failure.NoModel()}
	store := newMockStore()
	m := newTestManager(gen, store)

	ex, err := m.Submit(context.Background(), SubmitRequest{SessionID: "s1", Prompt: "sunset"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	a := ex.Assistant
	if a.IsGenerating || a.Images != nil || a.Error != "No suitable model found" {
		t.Fatalf("assistant not failed: %+v", a)
	}
	if a.Content != `I encountered an error while generating images for "sunset".` {
		t.Fatalf("unexpected content %q", a.Content)
	}
	u := store.updates[a.ID]
	if u.Error == nil || *u.Error != "No suitable model found" || u.Images != nil {
		t.Fatalf("failure not mirrored: %+v", u)
	}
}

func TestSubmitEmptyErrorText(t *testing.T) {
	m := newTestManager(&mockGenerator{err: errors.New("")}, nil)
	ex, err := m.Submit(context.Background(), SubmitRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ex.Assistant.Error != "Unknown error occurred" {
		t.Fatalf("unexpected error text %q", ex.Assistant.Error)
	}
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	store := newMockStore()
	m := newTestManager(&mockGenerator{}, store)
	if _, err := m.Submit(context.Background(), SubmitRequest{Prompt: " \n\t"}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected empty prompt error, got %v", err)
	}
	if len(m.Messages("")) != 0 || len(store.saved) != 0 {
		t.Fatalf("empty prompt created messages")
	}
}

func TestSubmitSurvivesStoreFailure(t *testing.T) {
	store := newMockStore()
	store.failAll = failure.Persistence("save message", errors.New("connection refused"))
	m := newTestManager(&mockGenerator{}, store)

	ex, err := m.Submit(context.Background(), SubmitRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ex.Assistant.IsGenerating || len(ex.Assistant.Images) != 2 {
		t.Fatalf("store failure leaked into lifecycle: %+v", ex.Assistant)
	}
	if len(m.Messages("")) != 2 {
		t.Fatalf("local state rolled back")
	}
}

func TestSubmitUsesOverride(t *testing.T) {
	gen := &mockGenerator{}
	m := newTestManager(gen, nil)
	sel, err := m.SelectModel(context.Background(), "s", models.SelectedModel{Name: "llava:13b"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Category != "multimodal" || sel.Purpose != "Multimodal" {
		t.Fatalf("selection not derived: %+v", sel)
	}
	if _, err := m.Submit(context.Background(), SubmitRequest{SessionID: "s", Prompt: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o := gen.lastOverride(); o == nil || o.Name != "llava:13b" {
		t.Fatalf("override not passed: %+v", o)
	}

	// Other sessions are unaffected.
	if _, err := m.Submit(context.Background(), SubmitRequest{SessionID: "other", Prompt: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o := gen.lastOverride(); o != nil {
		t.Fatalf("override leaked across sessions: %+v", o)
	}

	m.ClearModel(context.Background(), "s")
	if m.SelectedModel(context.Background(), "s") != nil {
		t.Fatalf("override not cleared")
	}
	if _, err := m.SelectModel(context.Background(), "s", models.SelectedModel{}); !errors.Is(err, ErrEmptyModel) {
		t.Fatalf("expected empty model error, got %v", err)
	}
}

func TestConcurrentSubmitsStayIndependent(t *testing.T) {
	gen := &mockGenerator{block: make(chan struct{})}
	m := newTestManager(gen, nil)

	var wg sync.WaitGroup
	results := make([]*Exchange, 2)
	for i, p := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			ex, err := m.Submit(context.Background(), SubmitRequest{Prompt: p})
			if err != nil {
				t.Errorf("submit %s: %v", p, err)
				return
			}
			results[i] = ex
		}(i, p)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Messages("")) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	generating := 0
	for _, msg := range m.Messages("") {
		if msg.IsGenerating {
			generating++
		}
	}
	if generating != 2 {
		t.Fatalf("expected two generating messages, got %d", generating)
	}
	close(gen.block)
	wg.Wait()

	if results[0] == nil || results[1] == nil || results[0].Assistant.ID == results[1].Assistant.ID {
		t.Fatalf("assistant ids collided or missing")
	}
	for _, msg := range m.Messages("") {
		if msg.IsGenerating {
			t.Fatalf("message left generating: %+v", msg)
		}
	}
}

func TestClearLocalFirst(t *testing.T) {
	store := newMockStore()
	store.clearCnt = 2
	m := newTestManager(&mockGenerator{}, store)
	if _, err := m.Submit(context.Background(), SubmitRequest{SessionID: "s", Prompt: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := m.Clear(context.Background(), "s")
	if res.Local != 2 || res.Remote != 2 || res.RemoteErr != nil {
		t.Fatalf("unexpected clear result %+v", res)
	}
	if len(m.Messages("s")) != 0 || len(store.cleared) != 1 || store.cleared[0] != "s" {
		t.Fatalf("clear incomplete")
	}

	store.failAll = errors.New("down")
	if _, err := m.Submit(context.Background(), SubmitRequest{SessionID: "s", Prompt: "y"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res = m.Clear(context.Background(), "s")
	if res.Local != 2 || res.RemoteErr == nil {
		t.Fatalf("remote failure not reported: %+v", res)
	}
	if len(m.Messages("s")) != 0 {
		t.Fatalf("local clear depends on remote")
	}
}

func TestClearDuringGeneration(t *testing.T) {
	gen := &mockGenerator{block: make(chan struct{})}
	store := newMockStore()
	m := newTestManager(gen, store)

	done := make(chan *Exchange, 1)
	go func() {
		ex, _ := m.Submit(context.Background(), SubmitRequest{Prompt: "x"})
		done <- ex
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Messages("")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Clear(context.Background(), "")
	close(gen.block)
	ex := <-done
	if ex == nil || ex.Assistant.IsGenerating {
		t.Fatalf("exchange should still be terminal: %+v", ex)
	}
	if len(m.Messages("")) != 0 {
		t.Fatalf("cleared pair resurrected")
	}
	if _, ok := store.updates[ex.Assistant.ID]; ok {
		t.Fatalf("update mirrored for a cleared message")
	}
}

func TestHydrate(t *testing.T) {
	store := newMockStore()
	store.stored = []*models.Message{
		{ID: "user-1", Type: models.RoleUser, Content: "old"},
		{ID: "assistant-1", Type: models.RoleAssistant, Content: "done"},
	}
	m := newTestManager(&mockGenerator{}, store)
	n, err := m.Hydrate(context.Background(), "")
	if err != nil || n != 2 {
		t.Fatalf("hydrate: %d %v", n, err)
	}
	n, err = m.Hydrate(context.Background(), "")
	if err != nil || n != 0 {
		t.Fatalf("second hydrate should be a no-op: %d %v", n, err)
	}
	if got := m.Messages(""); len(got) != 2 || got[0].ID != "user-1" {
		t.Fatalf("unexpected hydrated messages %+v", got)
	}

	failing := newMockStore()
	failing.failAll = errors.New("down")
	m2 := newTestManager(&mockGenerator{}, failing)
	if _, err := m2.Hydrate(context.Background(), ""); err == nil {
		t.Fatalf("expected hydrate error")
	}
	if len(m2.Messages("")) != 0 {
		t.Fatalf("failed hydrate left messages")
	}
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	m := newTestManager(&mockGenerator{}, nil)
	events, cancel := m.Subscribe("s")
	defer cancel()

	if _, err := m.Submit(context.Background(), SubmitRequest{SessionID: "s", Prompt: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.Clear(context.Background(), "s")

	want := []EventType{EventMessageAdded, EventMessageAdded, EventMessageUpdated, EventCleared}
	for i, w := range want {
		select {
		case evt := <-events:
			if evt.Type != w || evt.SessionID != "s" {
				t.Fatalf("event %d: want %s got %+v", i, w, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("channel not closed after cancel")
	}
}

func TestApplyRemote(t *testing.T) {
	m := newTestManager(&mockGenerator{}, nil)
	m.Messages("s")
	msg := &models.Message{ID: "assistant-9", Type: models.RoleAssistant, Content: "g", IsGenerating: true}
	m.applyRemote(Event{Type: EventMessageAdded, SessionID: "s", Message: msg})
	done := msg.Clone()
	done.IsGenerating = false
	m.applyRemote(Event{Type: EventMessageUpdated, SessionID: "s", Message: done})
	got := m.Messages("s")
	if len(got) != 1 || got[0].IsGenerating {
		t.Fatalf("remote events not applied: %+v", got)
	}
	m.applyRemote(Event{Type: EventModelSelected, SessionID: "s", Model: &models.SelectedModel{Name: "sdxl"}})
	if sel := m.SelectedModel(context.Background(), "s"); sel == nil || sel.Name != "sdxl" {
		t.Fatalf("remote selection not applied")
	}
	m.applyRemote(Event{Type: EventCleared, SessionID: "s"})
	if len(m.Messages("s")) != 0 {
		t.Fatalf("remote clear not applied")
	}
	// Unknown sessions are ignored rather than created.
	m.applyRemote(Event{Type: EventCleared, SessionID: "ghost"})
	m.mu.Lock()
	_, ok := m.sessions["ghost"]
	m.mu.Unlock()
	if ok {
		t.Fatalf("remote event created a session")
	}
}

func TestHydrateAfterSubmit(t *testing.T) {
	old := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store := newMockStore()
	store.stored = []*models.Message{
		{ID: "user-old", Type: models.RoleUser, Content: "old", Timestamp: old},
		{ID: "assistant-old", Type: models.RoleAssistant, Content: "done", Timestamp: old},
	}
	m := newTestManager(&mockGenerator{}, store)

	ex, err := m.Submit(context.Background(), SubmitRequest{Prompt: "new"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	n, err := m.Hydrate(context.Background(), "")
	if err != nil || n != 2 {
		t.Fatalf("hydrate: %d %v", n, err)
	}

	got := m.Messages("")
	var ids []string
	for _, msg := range got {
		ids = append(ids, msg.ID)
	}
	want := []string{"user-old", "assistant-old", ex.User.ID, ex.Assistant.ID}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("history not merged in timestamp order: got %v want %v", ids, want)
	}

	// the index follows the reordered list
	content := "edited"
	m.mu.Lock()
	st := m.sessions[models.DefaultSessionID]
	m.mu.Unlock()
	if upd, ok := st.update(ex.Assistant.ID, models.MessageUpdate{Content: &content}); !ok || upd.ID != ex.Assistant.ID {
		t.Fatalf("update after merge hit the wrong message: %+v", upd)
	}
}

type ctxGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *ctxGenerator) Generate(ctx context.Context, req pipeline.Request) ([]models.GeneratedImage, error) {
	close(g.started)
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []models.GeneratedImage{{ID: "img-1"}, {ID: "img-2"}}, nil
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	gen := &ctxGenerator{started: make(chan struct{}), release: make(chan struct{})}
	store := newMockStore()
	m := newTestManager(gen, store)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		ex  *Exchange
		err error
	}
	done := make(chan result, 1)
	go func() {
		ex, err := m.Submit(ctx, SubmitRequest{Prompt: "fox"})
		done <- result{ex, err}
	}()

	<-gen.started
	cancel()
	close(gen.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	if res.ex.Assistant.Error != "" || len(res.ex.Assistant.Images) != 2 {
		t.Fatalf("generation aborted by caller cancellation: %+v", res.ex.Assistant)
	}
	store.mu.Lock()
	upd, ok := store.updates[res.ex.Assistant.ID]
	store.mu.Unlock()
	if !ok || upd.Error != nil {
		t.Fatalf("completion not mirrored: %+v", upd)
	}
}
