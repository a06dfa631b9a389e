// Package store persists accounts and message history for the IRC server.
// The core consumes the Store interface; DB is the GORM-backed production
// implementation and Memory the in-process one used by tests and by
// storeless deployments.
package store

import "time"

// Account is a registered user account.
type Account struct {
	ID                  int64   `gorm:"primaryKey"`
	Username            string  `gorm:"uniqueIndex;size:64"`
	PasswordVerifier    string  `gorm:"size:128"`
	Email               *string `gorm:"size:254"`
	CreatedAt           time.Time
	LastLogin           *time.Time
	Verified            bool
	AllowMessageLogging bool `gorm:"default:true"`
	AllowHistoryAccess  bool `gorm:"default:true"`
}

// TableName implements the gorm table naming override.
func (Account) TableName() string { return "account" }

// HistoryEntry is one persisted message.
type HistoryEntry struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp        int64  `gorm:"index:idx_history_target_ts,priority:2;index:idx_history_sender_ts,priority:2"`
	Sender           string `gorm:"size:64;index:idx_history_sender_ts,priority:1"`
	Target           string `gorm:"size:64;index:idx_history_target_ts,priority:1"`
	Message          string
	MessageType      string `gorm:"size:16"`
	IsChannelMessage bool
	ReplyToID        *int64
}

// TableName implements the gorm table naming override.
func (HistoryEntry) TableName() string { return "message_history" }

// Privacy carries a sender's logging preferences. Unknown senders default
// to both flags on.
type Privacy struct {
	AllowLogging bool
	AllowHistory bool
}

// Store is the persistence boundary consumed by the server core. All
// methods are synchronous and may block on I/O; connection goroutines
// isolate that blocking from each other.
type Store interface {
	// Authenticate verifies username/password against the account store.
	// Any store failure reads as a failed authentication.
	Authenticate(username, password string) bool

	// AccountExists reports whether an account with that username exists.
	AccountExists(username string) bool

	// GetPrivacy returns the sender's privacy flags, defaulting to
	// (true, true) for unknown accounts.
	GetPrivacy(username string) Privacy

	// AppendHistory writes one message and returns its id. ok is false
	// when nothing was written: the sender has logging disabled, or the
	// store failed.
	AppendHistory(sender, target, body, msgType string, isChannel bool, replyTo *int64) (id int64, ok bool)

	// GetChannelHistory returns up to limit channel messages in
	// chronological order, optionally only those before beforeTS
	// (milliseconds; 0 means no bound). Messages from senders who revoked
	// history access are excluded.
	GetChannelHistory(channel string, limit int, beforeTS int64) ([]HistoryEntry, error)

	// GetPrivateHistory returns the direct-message history between two
	// users, chronological, with the same bounds and exclusions.
	GetPrivateHistory(u1, u2 string, limit int, beforeTS int64) ([]HistoryEntry, error)

	// Search returns messages whose body contains query, newest last.
	// target narrows to one channel or nick; empty searches everything.
	Search(query, target string, limit int) ([]HistoryEntry, error)

	// GetMessagesBySender returns the sender's most recent messages,
	// chronological.
	GetMessagesBySender(sender string, limit int) ([]HistoryEntry, error)

	// GetMessage fetches one entry by id, or nil when absent.
	GetMessage(id int64) (*HistoryEntry, error)

	// GetReplies returns entries whose ReplyToID references parentID.
	GetReplies(parentID int64, limit int) ([]HistoryEntry, error)

	// CleanupOlderThan deletes entries with Timestamp < cutoff and
	// returns the number removed.
	CleanupOlderThan(cutoff int64) (int64, error)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
