package session

import (
	"sort"
	"sync"

	"pixchat/internal/models"
	"pixchat/internal/service/catalog"
)

const subscriberBuffer = 32

// sessionState is the transient context of one session. Each assistant
// message is mutated only by the submit that created it.
type sessionState struct {
	mu       sync.RWMutex
	messages []*models.Message
	index    map[string]int
	selected *models.SelectedModel
	hydrated bool
	catalog  *catalog.Catalog

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func newSessionState(cat *catalog.Catalog) *sessionState {
	return &sessionState{
		index:   make(map[string]int),
		catalog: cat,
		subs:    make(map[int]chan Event),
	}
}

// append adds msgs in order, skipping ids already present.
func (s *sessionState) append(msgs ...*models.Message) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if _, ok := s.index[msg.ID]; ok {
			continue
		}
		cp := msg.Clone()
		s.index[cp.ID] = len(s.messages)
		s.messages = append(s.messages, cp)
		added = append(added, cp.Clone())
	}
	return added
}

// merge adds msgs missing locally and keeps the list in timestamp order.
// Equal timestamps keep their existing relative order.
func (s *sessionState) merge(msgs ...*models.Message) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if _, ok := s.index[msg.ID]; ok {
			continue
		}
		cp := msg.Clone()
		s.index[cp.ID] = len(s.messages)
		s.messages = append(s.messages, cp)
		added = append(added, cp.Clone())
	}
	if len(added) == 0 {
		return added
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
	return added
}

// update applies u to message id; false means the message is gone.
func (s *sessionState) update(id string, u models.MessageUpdate) (*models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	s.messages[i].Apply(u)
	return s.messages[i].Clone(), true
}

// replace overwrites message id with msg, appending it when absent.
func (s *sessionState) replace(msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[msg.ID]; ok {
		s.messages[i] = msg.Clone()
		return
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg.Clone())
}

func (s *sessionState) snapshot() []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	return out
}

func (s *sessionState) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// reset drops every message and returns how many there were.
func (s *sessionState) reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	s.messages = nil
	s.index = make(map[string]int)
	return n
}

// markHydrated reports whether this call flipped the flag.
func (s *sessionState) markHydrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated {
		return false
	}
	s.hydrated = true
	return true
}

func (s *sessionState) clearHydrated() {
	s.mu.Lock()
	s.hydrated = false
	s.mu.Unlock()
}

func (s *sessionState) setSelected(sel *models.SelectedModel) {
	s.mu.Lock()
	if sel == nil {
		s.selected = nil
	} else {
		cp := *sel
		s.selected = &cp
	}
	s.mu.Unlock()
}

func (s *sessionState) getSelected() *models.SelectedModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return nil
	}
	cp := *s.selected
	return &cp
}

func (s *sessionState) subscribe() (int, <-chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch
	return id, ch
}

func (s *sessionState) unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// broadcast never blocks; it returns the number of subscribers that missed evt.
func (s *sessionState) broadcast(evt Event) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	dropped := 0
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	return dropped
}
