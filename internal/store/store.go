// Package store provides storage backends for Pestline.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backends with embedded migrations.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pestline/pestline/internal/models"
)

// Store is the persistence surface shared by all backends. GetFSMState
// returns (nil, nil) when no record exists for the phone.
type Store interface {
	EnsurePhone(phone string) error
	GetFSMState(phone string) (*models.FSMStateRecord, error)
	SaveFSMState(rec models.FSMStateRecord) error
	AddMessage(msg models.Message) error
	GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error)
	ListConversations(query string) ([]models.ConversationSummary, error)
	GetConversation(phone string) ([]models.Message, error)
	CountActiveConversations() (int, error)
	CreateReachOutRun(run models.ReachOutRun) error
	FinishReachOutRun(run models.ReachOutRun) error
	Close() error
}

// InMemoryStore keeps all state in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	phones   map[string]bool
	states   map[string]models.FSMStateRecord
	messages []models.Message
	runs     map[string]models.ReachOutRun
	nextID   int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		phones: make(map[string]bool),
		states: make(map[string]models.FSMStateRecord),
		runs:   make(map[string]models.ReachOutRun),
		nextID: 1,
	}
}

func (s *InMemoryStore) EnsurePhone(phone string) error {
	if phone == "" {
		return models.ErrEmptyPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[phone] = true
	return nil
}

func (s *InMemoryStore) GetFSMState(phone string) (*models.FSMStateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.states[phone]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) SaveFSMState(rec models.FSMStateRecord) error {
	if rec.PhoneNumber == "" {
		return models.ErrEmptyPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[rec.PhoneNumber]; ok && existing.WasInterested {
		// The interest flag is sticky: once recorded it never downgrades.
		rec.WasInterested = true
	}
	s.states[rec.PhoneNumber] = rec
	return nil
}

func (s *InMemoryStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw []json.RawMessage
	for i := len(s.messages) - 1; i >= 0 && len(raw) < limit; i-- {
		msg := s.messages[i]
		if msg.PhoneNumber == phone && len(msg.MessageData) > 0 {
			raw = append(raw, msg.MessageData)
		}
	}
	// raw is newest-first; replay oldest-first.
	chats := make([]models.ChatMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var chat models.ChatMessage
		if err := json.Unmarshal(raw[i], &chat); err != nil {
			continue
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (s *InMemoryStore) ListConversations(query string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var summaries []models.ConversationSummary
	for phone := range s.phones {
		if query != "" && !strings.Contains(phone, query) {
			continue
		}
		summary := models.ConversationSummary{PhoneNumber: phone}
		if rec, ok := s.states[phone]; ok {
			summary.State = rec.StateName
		}
		for _, msg := range s.messages {
			if msg.PhoneNumber == phone {
				summary.MessageCount++
				summary.LastBody = msg.Body
			}
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].PhoneNumber < summaries[j].PhoneNumber
	})
	return summaries, nil
}

func (s *InMemoryStore) GetConversation(phone string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.Message
	for _, msg := range s.messages {
		if msg.PhoneNumber == phone {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (s *InMemoryStore) CountActiveConversations() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.states {
		if rec.StateName != "done" {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) CreateReachOutRun(run models.ReachOutRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *InMemoryStore) FinishReachOutRun(run models.ReachOutRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return fmt.Errorf("reach-out run %s not found", run.RunID)
	}
	s.runs[run.RunID] = run
	return nil
}

// GetReachOutRun returns a stored run for inspection in tests.
func (s *InMemoryStore) GetReachOutRun(runID string) (*models.ReachOutRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (s *InMemoryStore) Close() error { return nil }
