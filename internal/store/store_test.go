package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesDirAndAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session", "tandem.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 1, sync) // NORMAL

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestMigrateFreshDBReportsChanged(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	result, err := db.Migrate()
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, SchemaVersion, result.Version)
}

func TestKV(t *testing.T) {
	db := testDB(t)

	_, ok, err := db.GetValue("user")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetValues(map[string]string{"user": `{"id":1}`}))
	require.NoError(t, db.SetValues(map[string]string{"user": `{"id":2}`}))

	v, ok, err := db.GetValue("user")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":2}`, v)

	require.NoError(t, db.SetValues(map[string]string{"token": "abc", "other": "x"}))
	require.NoError(t, db.DeleteValues("user", "token", "missing"))

	_, ok, _ = db.GetValue("user")
	assert.False(t, ok)
	_, ok, _ = db.GetValue("token")
	assert.False(t, ok)
	v, ok, _ = db.GetValue("other")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "c1", SenderID: 1, PeerID: 2, Body: "hello"}))
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "c2", SenderID: 1, PeerID: 3, Body: "yo", MessageType: "EMOJI"}))

	pending, err := db.PendingOutbox(1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c1", pending[0].ClientMsgID)
	assert.Equal(t, "TEXT", pending[0].MessageType)
	assert.Equal(t, "EMOJI", pending[1].MessageType)

	require.NoError(t, db.MarkOutboxSending("c1"))
	require.NoError(t, db.MarkOutboxSent("c1", 42, "rest"))

	e, err := db.GetOutbox("c1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, OutboxSent, e.Status)
	assert.Equal(t, int64(42), e.ServerMsgID)
	assert.Equal(t, "rest", e.Path)
	assert.Equal(t, 1, e.Attempts)

	require.NoError(t, db.MarkOutboxSending("c2"))
	require.NoError(t, db.MarkOutboxPublished("c2"))
	published, err := db.PublishedOutbox(1)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "channel", published[0].Path)

	// Echo reconciliation keeps the channel path.
	require.NoError(t, db.MarkOutboxSent("c2", 43, ""))
	e, _ = db.GetOutbox("c2")
	assert.Equal(t, "channel", e.Path)
	assert.Equal(t, OutboxSent, e.Status)

	pending, err = db.PendingOutbox(1)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxDuplicateClientID(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "dup", SenderID: 1, PeerID: 2, Body: "a"}))
	assert.Error(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "dup", SenderID: 1, PeerID: 2, Body: "b"}))
}

func TestOutboxFailedAndRequeue(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "c1", SenderID: 1, PeerID: 2, Body: "x"}))
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "c2", SenderID: 1, PeerID: 2, Body: "y"}))

	require.NoError(t, db.MarkOutboxSending("c1"))
	require.NoError(t, db.MarkOutboxSending("c2"))
	require.NoError(t, db.MarkOutboxFailed("c2", "boom"))

	n, err := db.RequeueInterrupted(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, _ := db.GetOutbox("c2")
	assert.Equal(t, OutboxFailed, e.Status)
	assert.Equal(t, "boom", e.ErrorMessage)

	dropped, err := db.DropQueuedForPeer(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)
}

func TestGetOutboxMissing(t *testing.T) {
	db := testDB(t)
	e, err := db.GetOutbox("nope")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestOutboxIsScopedToSender(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "a1", SenderID: 1, PeerID: 2, Body: "queued"}))
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "a2", SenderID: 1, PeerID: 2, Body: "sending"}))
	require.NoError(t, db.MarkOutboxSending("a2"))
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "a3", SenderID: 1, PeerID: 2, Body: "sent"}))
	require.NoError(t, db.MarkOutboxSent("a3", 7, "rest"))
	require.NoError(t, db.QueueOutbox(&OutboxEntry{ClientMsgID: "b1", SenderID: 42, PeerID: 2, Body: "other user"}))

	n, err := db.RequeueInterrupted(42)
	require.NoError(t, err)
	assert.Zero(t, n)
	e, _ := db.GetOutbox("a2")
	assert.Equal(t, OutboxSending, e.Status)

	pending, err := db.PendingOutbox(42)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b1", pending[0].ClientMsgID)

	dropped, err := db.DropUnsent(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)
	e, _ = db.GetOutbox("a3")
	require.NotNil(t, e, "sent entries are kept")
	e, _ = db.GetOutbox("b1")
	require.NotNil(t, e, "other senders are untouched")
}
