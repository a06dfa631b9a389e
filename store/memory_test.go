package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccounts(t *testing.T) {
	s := NewMemory()
	s.AddAccount("alice", "secret")

	assert.True(t, s.AccountExists("alice"))
	assert.False(t, s.AccountExists("bob"))

	assert.True(t, s.Authenticate("alice", "secret"))
	assert.False(t, s.Authenticate("alice", "wrong"))
	assert.False(t, s.Authenticate("bob", "secret"))
}

func TestMemoryPrivacyDefaults(t *testing.T) {
	s := NewMemory()

	// Unknown senders default to fully permissive.
	p := s.GetPrivacy("ghost")
	assert.True(t, p.AllowLogging)
	assert.True(t, p.AllowHistory)

	s.AddAccount("alice", "secret")
	s.SetPrivacy("alice", false, true)
	p = s.GetPrivacy("alice")
	assert.False(t, p.AllowLogging)
	assert.True(t, p.AllowHistory)
}

func TestMemoryAppendRespectsLoggingFlag(t *testing.T) {
	s := NewMemory()
	s.AddAccount("quiet", "pw")
	s.SetPrivacy("quiet", false, true)

	_, ok := s.AppendHistory("quiet", "#t", "off the record", "PRIVMSG", true, nil)
	assert.False(t, ok)

	entries, err := s.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	id, ok := s.AppendHistory("loud", "#t", "on the record", "PRIVMSG", true, nil)
	assert.True(t, ok)
	assert.EqualValues(t, 1, id)
}

func TestMemoryChannelHistory(t *testing.T) {
	s := NewMemory()

	for _, body := range []string{"one", "two", "three"} {
		_, ok := s.AppendHistory("alice", "#t", body, "PRIVMSG", true, nil)
		require.True(t, ok)
	}
	s.AppendHistory("alice", "#other", "elsewhere", "PRIVMSG", true, nil)
	s.AppendHistory("alice", "bob", "direct", "PRIVMSG", false, nil)

	entries, err := s.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, "three", entries[2].Message)

	// A limit keeps the newest entries, still chronological.
	entries, err = s.GetChannelHistory("#t", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "three", entries[1].Message)
}

func TestMemoryHistoryAccessExclusion(t *testing.T) {
	s := NewMemory()
	s.AddAccount("private", "pw")

	s.AppendHistory("private", "#t", "mine", "PRIVMSG", true, nil)
	s.AppendHistory("public", "#t", "theirs", "PRIVMSG", true, nil)

	// Revoking history access hides already-written rows from queries.
	s.SetPrivacy("private", true, false)

	entries, err := s.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "theirs", entries[0].Message)

	results, err := s.Search("mine", "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryPrivateHistory(t *testing.T) {
	s := NewMemory()

	s.AppendHistory("alice", "bob", "hi bob", "PRIVMSG", false, nil)
	s.AppendHistory("bob", "alice", "hi alice", "PRIVMSG", false, nil)
	s.AppendHistory("alice", "carol", "unrelated", "PRIVMSG", false, nil)

	entries, err := s.GetPrivateHistory("alice", "bob", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hi bob", entries[0].Message)
	assert.Equal(t, "hi alice", entries[1].Message)
}

func TestMemoryRepliesAndLookup(t *testing.T) {
	s := NewMemory()

	rootID, ok := s.AppendHistory("alice", "#t", "root", "PRIVMSG", true, nil)
	require.True(t, ok)

	childID, ok := s.AppendHistory("bob", "#t", "child", "PRIVMSG", true, &rootID)
	require.True(t, ok)

	entry, err := s.GetMessage(childID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.ReplyToID)
	assert.Equal(t, rootID, *entry.ReplyToID)

	missing, err := s.GetMessage(999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	replies, err := s.GetReplies(rootID, 10)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "child", replies[0].Message)
}

func TestMemorySenderQueryAndSearch(t *testing.T) {
	s := NewMemory()

	s.AppendHistory("alice", "#t", "apples are good", "PRIVMSG", true, nil)
	s.AppendHistory("bob", "#t", "oranges are better", "PRIVMSG", true, nil)
	s.AppendHistory("alice", "#u", "apples again", "PRIVMSG", true, nil)

	bySender, err := s.GetMessagesBySender("alice", 10)
	require.NoError(t, err)
	assert.Len(t, bySender, 2)

	found, err := s.Search("apples", "#t", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "apples are good", found[0].Message)
}

func TestMemoryCleanup(t *testing.T) {
	s := NewMemory()

	s.AppendHistory("alice", "#t", "old", "PRIVMSG", true, nil)
	s.AppendHistory("alice", "#t", "new", "PRIVMSG", true, nil)

	cutoff := time.Now().Add(time.Minute).UnixMilli()
	removed, err := s.CleanupOlderThan(cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	entries, err := s.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
