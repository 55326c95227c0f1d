package store

import (
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pigeon/models"
)

type account struct {
	passwordHash []byte
	inbox        []*models.Message
}

type pairKey struct {
	a, b string
}

// canonicalPair keys a conversation by the unordered username pair.
func canonicalPair(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// MemoryStore keeps everything in process memory for the lifetime of the
// server. A single mutex serializes all mutations; throughput is modest
// enough that per-key locking would buy nothing.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	convs    map[pairKey][]*models.Message
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*account),
		convs:    make(map[pairKey][]*models.Message),
	}
}

func (s *MemoryStore) CreateAccount(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return ErrUserExists
	}
	s.accounts[username] = &account{passwordHash: hashed}
	return nil
}

func (s *MemoryStore) Authenticate(username, password string) error {
	s.mu.Lock()
	acc, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		return ErrUserNotFound
	}
	if bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

func (s *MemoryStore) AccountExists(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[username]
	return ok, nil
}

func (s *MemoryStore) MatchAccounts(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	var matched []string
	for _, name := range names {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

func (s *MemoryStore) DeleteAccount(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[username]
	if !ok {
		return ErrUserNotFound
	}
	if len(acc.inbox) > 0 {
		return ErrInboxNotEmpty
	}
	delete(s.accounts, username)
	for key := range s.convs {
		if key.a == username || key.b == username {
			delete(s.convs, key)
		}
	}
	return nil
}

func (s *MemoryStore) UnreadCount(username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	return len(acc.inbox), nil
}

func (s *MemoryStore) SaveMessage(sender, recipient, body string, timestamp time.Time, delivered bool) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[recipient]
	if !ok {
		return models.Message{}, ErrUserNotFound
	}

	s.nextID++
	msg := &models.Message{
		ID:        s.nextID,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Timestamp: timestamp,
		Delivered: delivered,
	}

	key := canonicalPair(sender, recipient)
	s.convs[key] = append(s.convs[key], msg)
	if !delivered {
		acc.inbox = append(acc.inbox, msg)
	}
	return *msg, nil
}

func (s *MemoryStore) Requeue(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[m.Recipient]
	if !ok {
		return ErrUserNotFound
	}
	// The failed push immediately follows the save, so the message sits at
	// or near the tail of its conversation.
	conv := s.convs[canonicalPair(m.Sender, m.Recipient)]
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].ID == m.ID {
			conv[i].Delivered = false
			acc.inbox = append(acc.inbox, conv[i])
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DrainInbox(username string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	n := len(acc.inbox)
	if limit > 0 && limit < n {
		n = limit
	}

	drained := make([]models.Message, 0, n)
	for _, msg := range acc.inbox[:n] {
		msg.Delivered = true
		drained = append(drained, *msg)
	}
	acc.inbox = acc.inbox[n:]
	return drained, nil
}

func (s *MemoryStore) DeleteMessages(username string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[username]; ok {
		acc.inbox = filterMessages(acc.inbox, idSet)
	}
	for key, conv := range s.convs {
		if key.a != username && key.b != username {
			continue
		}
		s.convs[key] = filterMessages(conv, idSet)
	}
	return nil
}

func filterMessages(msgs []*models.Message, idSet map[int64]bool) []*models.Message {
	kept := msgs[:0]
	for _, msg := range msgs {
		if !idSet[msg.ID] {
			kept = append(kept, msg)
		}
	}
	return kept
}

func (s *MemoryStore) Conversation(user, other string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[other]; !ok {
		return nil, ErrUserNotFound
	}
	conv := s.convs[canonicalPair(user, other)]
	history := make([]models.Message, 0, len(conv))
	for _, msg := range conv {
		history = append(history, *msg)
	}
	return history, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
