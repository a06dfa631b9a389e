package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryAccount struct {
	password     string
	email        *string
	createdAt    time.Time
	lastLogin    *time.Time
	verified     bool
	allowLogging bool
	allowHistory bool
}

// Memory is the in-process store. The server core runs against it when no
// database is configured, and tests use it directly.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	entries  []HistoryEntry
	nextID   int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memoryAccount),
		nextID:   1,
	}
}

// AddAccount registers an account with a plain password. Privacy flags
// start enabled.
func (s *Memory) AddAccount(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &memoryAccount{
		password:     password,
		createdAt:    time.Now(),
		allowLogging: true,
		allowHistory: true,
	}
}

// SetPrivacy adjusts an account's privacy flags.
func (s *Memory) SetPrivacy(username string, allowLogging, allowHistory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[username]; ok {
		acct.allowLogging = allowLogging
		acct.allowHistory = allowHistory
	}
}

// Authenticate checks the password and stamps last login.
func (s *Memory) Authenticate(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[username]
	if !ok || acct.password != password {
		return false
	}
	now := time.Now()
	acct.lastLogin = &now
	return true
}

// AccountExists reports whether the username is registered.
func (s *Memory) AccountExists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[username]
	return ok
}

// GetPrivacy returns the account's flags, defaulting to enabled.
func (s *Memory) GetPrivacy(username string) Privacy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	if !ok {
		return Privacy{AllowLogging: true, AllowHistory: true}
	}
	return Privacy{AllowLogging: acct.allowLogging, AllowHistory: acct.allowHistory}
}

// AppendHistory records a message unless the sender disabled logging.
func (s *Memory) AppendHistory(sender, target, body, msgType string, isChannel bool, replyTo *int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[sender]; ok && !acct.allowLogging {
		return 0, false
	}

	entry := HistoryEntry{
		ID:               s.nextID,
		Timestamp:        nowMillis(),
		Sender:           sender,
		Target:           target,
		Message:          body,
		MessageType:      msgType,
		IsChannelMessage: isChannel,
		ReplyToID:        replyTo,
	}
	s.nextID++
	s.entries = append(s.entries, entry)
	return entry.ID, true
}

// historyVisible reports whether the sender's messages may surface in
// history queries. Callers hold at least the read lock.
func (s *Memory) historyVisible(sender string) bool {
	acct, ok := s.accounts[sender]
	return !ok || acct.allowHistory
}

// collect filters entries, keeps the newest limit matches and returns them
// chronologically. Callers hold at least the read lock.
func (s *Memory) collect(limit int, match func(*HistoryEntry) bool) []HistoryEntry {
	var out []HistoryEntry
	for i := range s.entries {
		e := &s.entries[i]
		if match(e) {
			out = append(out, *e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetChannelHistory returns a channel's recent messages, oldest first.
func (s *Memory) GetChannelHistory(channel string, limit int, beforeTS int64) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(e *HistoryEntry) bool {
		if !e.IsChannelMessage || e.Target != channel {
			return false
		}
		if beforeTS > 0 && e.Timestamp >= beforeTS {
			return false
		}
		return s.historyVisible(e.Sender)
	}), nil
}

// GetPrivateHistory returns direct messages between u1 and u2, oldest
// first.
func (s *Memory) GetPrivateHistory(u1, u2 string, limit int, beforeTS int64) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(e *HistoryEntry) bool {
		if e.IsChannelMessage {
			return false
		}
		pair := (e.Sender == u1 && e.Target == u2) || (e.Sender == u2 && e.Target == u1)
		if !pair {
			return false
		}
		if beforeTS > 0 && e.Timestamp >= beforeTS {
			return false
		}
		return s.historyVisible(e.Sender)
	}), nil
}

// Search returns messages whose body contains query.
func (s *Memory) Search(query, target string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(e *HistoryEntry) bool {
		if !strings.Contains(e.Message, query) {
			return false
		}
		if target != "" && e.Target != target {
			return false
		}
		return s.historyVisible(e.Sender)
	}), nil
}

// GetMessagesBySender returns the sender's recent messages, oldest first.
func (s *Memory) GetMessagesBySender(sender string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(limit, func(e *HistoryEntry) bool {
		return e.Sender == sender
	}), nil
}

// GetMessage fetches one entry by id.
func (s *Memory) GetMessage(id int64) (*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			entry := s.entries[i]
			return &entry, nil
		}
	}
	return nil, nil
}

// GetReplies returns entries threaded under parentID, oldest first.
func (s *Memory) GetReplies(parentID int64, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryEntry
	for i := range s.entries {
		e := &s.entries[i]
		if e.ReplyToID != nil && *e.ReplyToID == parentID {
			out = append(out, *e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// CleanupOlderThan removes entries older than cutoff (milliseconds).
func (s *Memory) CleanupOlderThan(cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.Timestamp < cutoff {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}
