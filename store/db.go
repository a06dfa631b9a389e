package store

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the GORM-backed store.
type DB struct {
	db *gorm.DB
}

var _ Store = (*DB)(nil)

// Open connects to the database named by dsn and migrates the schema.
// The driver is picked from the DSN scheme: postgres:// and mysql:// are
// recognized, anything else is treated as an SQLite path.
func Open(dsn string) (*DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &HistoryEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// CreateAccount registers an account with a bcrypt password verifier.
func (s *DB) CreateAccount(username, password string, email *string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	account := Account{
		Username:            username,
		PasswordVerifier:    string(hash),
		Email:               email,
		AllowMessageLogging: true,
		AllowHistoryAccess:  true,
	}
	if err := s.db.Create(&account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Authenticate checks the password against the stored bcrypt verifier and
// stamps last_login on success.
func (s *DB) Authenticate(username, password string) bool {
	var account Account
	err := s.db.Where("username = ?", username).First(&account).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("store: authenticate %q: %v", username, err)
		}
		return false
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordVerifier), []byte(password)) != nil {
		return false
	}

	now := time.Now()
	if err := s.db.Model(&account).Update("last_login", &now).Error; err != nil {
		log.Printf("store: update last_login for %q: %v", username, err)
	}
	return true
}

// AccountExists reports whether the username is registered.
func (s *DB) AccountExists(username string) bool {
	var count int64
	if err := s.db.Model(&Account{}).Where("username = ?", username).Count(&count).Error; err != nil {
		log.Printf("store: account exists %q: %v", username, err)
		return false
	}
	return count > 0
}

// GetPrivacy returns the account's privacy flags, (true, true) when the
// account is unknown or the store errors.
func (s *DB) GetPrivacy(username string) Privacy {
	var account Account
	err := s.db.Where("username = ?", username).First(&account).Error
	if err != nil {
		return Privacy{AllowLogging: true, AllowHistory: true}
	}
	return Privacy{
		AllowLogging: account.AllowMessageLogging,
		AllowHistory: account.AllowHistoryAccess,
	}
}

// AppendHistory writes a message unless the sender disabled logging.
func (s *DB) AppendHistory(sender, target, body, msgType string, isChannel bool, replyTo *int64) (int64, bool) {
	if !s.GetPrivacy(sender).AllowLogging {
		return 0, false
	}

	entry := HistoryEntry{
		Timestamp:        nowMillis(),
		Sender:           sender,
		Target:           target,
		Message:          body,
		MessageType:      msgType,
		IsChannelMessage: isChannel,
		ReplyToID:        replyTo,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("store: append history: %v", err)
		return 0, false
	}
	return entry.ID, true
}

// historyScope applies the history-access exclusion: messages from senders
// who revoked allow_history_access never surface in queries.
func (s *DB) historyScope() *gorm.DB {
	hidden := s.db.Model(&Account{}).
		Select("username").
		Where("allow_history_access = ?", false)
	return s.db.Model(&HistoryEntry{}).Where("sender NOT IN (?)", hidden)
}

// chronological reverses a newest-first result in place.
func chronological(entries []HistoryEntry) []HistoryEntry {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// GetChannelHistory returns a channel's recent messages, oldest first.
func (s *DB) GetChannelHistory(channel string, limit int, beforeTS int64) ([]HistoryEntry, error) {
	q := s.historyScope().
		Where("target = ? AND is_channel_message = ?", channel, true)
	if beforeTS > 0 {
		q = q.Where("timestamp < ?", beforeTS)
	}

	var entries []HistoryEntry
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query channel history: %w", err)
	}
	return chronological(entries), nil
}

// GetPrivateHistory returns the direct messages between u1 and u2, oldest
// first.
func (s *DB) GetPrivateHistory(u1, u2 string, limit int, beforeTS int64) ([]HistoryEntry, error) {
	q := s.historyScope().
		Where("is_channel_message = ?", false).
		Where("(sender = ? AND target = ?) OR (sender = ? AND target = ?)", u1, u2, u2, u1)
	if beforeTS > 0 {
		q = q.Where("timestamp < ?", beforeTS)
	}

	var entries []HistoryEntry
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query private history: %w", err)
	}
	return chronological(entries), nil
}

// Search returns messages whose body contains query.
func (s *DB) Search(query, target string, limit int) ([]HistoryEntry, error) {
	q := s.historyScope().Where("message LIKE ?", "%"+query+"%")
	if target != "" {
		q = q.Where("target = ?", target)
	}

	var entries []HistoryEntry
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to search history: %w", err)
	}
	return chronological(entries), nil
}

// GetMessagesBySender returns the sender's most recent messages, oldest
// first.
func (s *DB) GetMessagesBySender(sender string, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.Model(&HistoryEntry{}).
		Where("sender = ?", sender).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sender history: %w", err)
	}
	return chronological(entries), nil
}

// GetMessage fetches one history entry by id.
func (s *DB) GetMessage(id int64) (*HistoryEntry, error) {
	var entry HistoryEntry
	err := s.db.First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	return &entry, nil
}

// GetReplies returns the messages threaded under parentID, oldest first.
func (s *DB) GetReplies(parentID int64, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.Model(&HistoryEntry{}).
		Where("reply_to_id = ?", parentID).
		Order("timestamp ASC, id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query replies: %w", err)
	}
	return entries, nil
}

// CleanupOlderThan removes entries older than cutoff (milliseconds).
func (s *DB) CleanupOlderThan(cutoff int64) (int64, error) {
	res := s.db.Where("timestamp < ?", cutoff).Delete(&HistoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
