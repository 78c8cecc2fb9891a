package store

import (
	"database/sql"
	"errors"
	"time"
)

const outboxColumns = `id, client_msg_id, sender_id, peer_id, body, message_type, status, path,
	error_message, server_msg_id, attempts, created_at, updated_at`

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	msgType := e.MessageType
	if msgType == "" {
		msgType = "TEXT"
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, sender_id, peer_id, body, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientMsgID, e.SenderID, e.PeerID, e.Body, msgType, OutboxQueued, now, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ?`,
		OutboxSending, now, clientMsgID)
	return err
}

// MarkOutboxPublished records a fire-and-forget publish on the channel.
// An entry whose echo already arrived stays sent.
func (db *DB) MarkOutboxPublished(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, path = 'channel', updated_at = ? WHERE client_msg_id = ? AND status != ?`,
		OutboxPublished, now, clientMsgID, OutboxSent)
	return err
}

// MarkOutboxSent records the server-assigned id. path is kept when empty.
func (db *DB) MarkOutboxSent(clientMsgID string, serverMsgID int64, path string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, server_msg_id = ?, path = CASE WHEN ? = '' THEN path ELSE ? END, updated_at = ?
		WHERE client_msg_id = ?`,
		OutboxSent, serverMsgID, path, path, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxFailed, errMsg, now, clientMsgID)
	return err
}

// RequeueInterrupted returns senderID's entries stuck in 'sending' (the
// daemon died mid-delivery) to the queue.
func (db *DB) RequeueInterrupted(senderID int64) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ? AND sender_id = ?`,
		OutboxQueued, now, OutboxSending, senderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DropQueuedForPeer removes undelivered entries for a peer.
func (db *DB) DropQueuedForPeer(peerID int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE peer_id = ? AND status IN (?, ?)`, peerID, OutboxQueued, OutboxFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DropUnsent removes senderID's entries that were never confirmed sent.
func (db *DB) DropUnsent(senderID int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE status != ? AND sender_id = ?`, OutboxSent, senderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutbox returns one entry, or nil when absent.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// PendingOutbox returns senderID's entries that are still queued, oldest
// first.
func (db *DB) PendingOutbox(senderID int64) ([]OutboxEntry, error) {
	return db.listOutbox(OutboxQueued, senderID)
}

// PublishedOutbox returns senderID's entries published on the channel and
// still waiting for their echo.
func (db *DB) PublishedOutbox(senderID int64) ([]OutboxEntry, error) {
	return db.listOutbox(OutboxPublished, senderID)
}

func (db *DB) listOutbox(status string, senderID int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE status = ? AND sender_id = ? ORDER BY created_at ASC, id ASC`,
		status, senderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := s.Scan(&e.ID, &e.ClientMsgID, &e.SenderID, &e.PeerID, &e.Body, &e.MessageType, &e.Status, &e.Path,
		&e.ErrorMessage, &e.ServerMsgID, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
