package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cortex "github.com/SerjRs/cortex"
)

// --- Unified session ---

// AppendUserMessage records an envelope in the transcript as a user turn.
func (s *Store) AppendUserMessage(ctx context.Context, env cortex.Envelope) (int64, error) {
	return s.appendMessage(ctx, env.ID, cortex.RoleUser, env.Channel, env.Sender.ID, env.Content, env.Metadata)
}

// AppendAssistantMessage records the assistant's reply for a turn.
// Empty content is stored as the literal [silence] marker.
func (s *Store) AppendAssistantMessage(ctx context.Context, envelopeID, channel, content string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		content = cortex.SilenceMarker
	}
	return s.appendMessage(ctx, envelopeID, cortex.RoleAssistant, channel, "", content, nil)
}

func (s *Store) appendMessage(ctx context.Context, envelopeID, role, channel, senderID, content string, metadata map[string]string) (int64, error) {
	start := time.Now()
	var meta *string
	if len(metadata) > 0 {
		data, _ := json.Marshal(metadata)
		v := string(data)
		meta = &v
	}
	var seq int64
	err := s.execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO session_messages (session_key, envelope_id, role, channel, sender_id, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.sessionKey, envelopeID, role, channel, senderID, content, meta, cortex.NowUnix())
		if err != nil {
			return err
		}
		seq, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		s.logger.Error("sqlite: append message failed", "role", role, "channel", channel, "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: appended message", "seq", seq, "role", role, "channel", channel, "duration", time.Since(start))
	return seq, nil
}

// History returns transcript messages oldest first. Empty channel means all
// channels; limit <= 0 means no limit.
func (s *Store) History(ctx context.Context, channel string, limit int) ([]cortex.SessionMessage, error) {
	q := `SELECT seq, envelope_id, role, channel, sender_id, content, metadata, created_at
	      FROM session_messages WHERE session_key = ?`
	args := []any{s.sessionKey}
	if channel != "" {
		q += ` AND channel = ?`
		args = append(args, channel)
	}
	// Take the newest N, then reverse to chronological order.
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var msgs []cortex.SessionMessage
	for rows.Next() {
		m, err := scanSessionMessage(rows)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// UnextractedMessages returns turns the fact extractor has not yet seen,
// oldest first.
func (s *Store) UnextractedMessages(ctx context.Context, limit int) ([]cortex.SessionMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, envelope_id, role, channel, sender_id, content, metadata, created_at
		 FROM session_messages WHERE session_key = ? AND extracted_at IS NULL
		 ORDER BY seq ASC LIMIT ?`, s.sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("unextracted messages: %w", err)
	}
	defer rows.Close()

	var msgs []cortex.SessionMessage
	for rows.Next() {
		m, err := scanSessionMessage(rows)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkExtracted stamps extracted-at on the given transcript rows.
func (s *Store) MarkExtracted(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	now := cortex.NowUnix()
	placeholders := strings.Repeat("?,", len(seqs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(seqs)+1)
	args = append(args, now)
	for _, seq := range seqs {
		args = append(args, seq)
	}
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE session_messages SET extracted_at = ? WHERE seq IN (`+placeholders+`)`, args...)
		return err
	})
}

func scanSessionMessage(rows *sql.Rows) (cortex.SessionMessage, error) {
	var m cortex.SessionMessage
	var envelopeID, senderID, meta sql.NullString
	if err := rows.Scan(&m.Seq, &envelopeID, &m.Role, &m.Channel, &senderID, &m.Content, &meta, &m.CreatedAt); err != nil {
		return m, err
	}
	m.EnvelopeID = envelopeID.String
	m.SenderID = senderID.String
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	return m, nil
}

// --- Channel state ---

// MarkChannelActive bumps last-message-at, increments the unread count, and
// promotes the channel to the foreground layer.
func (s *Store) MarkChannelActive(ctx context.Context, channel string, at int64) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO channel_states (channel, last_message_at, unread_count, layer)
			 VALUES (?, ?, 1, 'foreground')
			 ON CONFLICT(channel) DO UPDATE SET
			   last_message_at = excluded.last_message_at,
			   unread_count = unread_count + 1,
			   layer = 'foreground'`,
			channel, at)
		return err
	})
}

// UpsertChannelState writes a full channel rollup.
func (s *Store) UpsertChannelState(ctx context.Context, st cortex.ChannelState) error {
	if st.Layer == "" {
		st.Layer = cortex.LayerForeground
	}
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO channel_states (channel, last_message_at, unread_count, summary, layer)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(channel) DO UPDATE SET
			   last_message_at = excluded.last_message_at,
			   unread_count = excluded.unread_count,
			   summary = excluded.summary,
			   layer = excluded.layer`,
			st.Channel, st.LastMessageAt, st.UnreadCount, st.Summary, string(st.Layer))
		return err
	})
}

// GetChannelState returns the rollup for one channel, or nil if unknown.
func (s *Store) GetChannelState(ctx context.Context, channel string) (*cortex.ChannelState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel, last_message_at, unread_count, summary, layer FROM channel_states WHERE channel = ?`, channel)
	st, err := scanChannelState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel state %s: %w", channel, err)
	}
	return &st, nil
}

// ActiveChannels returns every non-archived channel, most recent first.
func (s *Store) ActiveChannels(ctx context.Context) ([]cortex.ChannelState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, last_message_at, unread_count, summary, layer
		 FROM channel_states WHERE layer != 'archived' ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("active channels: %w", err)
	}
	defer rows.Close()
	return collectChannelStates(rows)
}

// IdleForegroundChannels returns compaction candidates: foreground channels
// whose last message is older than the cutoff.
func (s *Store) IdleForegroundChannels(ctx context.Context, olderThan int64) ([]cortex.ChannelState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, last_message_at, unread_count, summary, layer
		 FROM channel_states WHERE layer = 'foreground' AND last_message_at < ?
		 ORDER BY last_message_at ASC`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("idle foreground channels: %w", err)
	}
	defer rows.Close()
	return collectChannelStates(rows)
}

// CompactChannel stores a summary and demotes the channel to background.
func (s *Store) CompactChannel(ctx context.Context, channel, summary string) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE channel_states SET summary = ?, layer = 'background', unread_count = 0 WHERE channel = ?`,
			summary, channel)
		return err
	})
}

func collectChannelStates(rows *sql.Rows) ([]cortex.ChannelState, error) {
	var states []cortex.ChannelState
	for rows.Next() {
		st, err := scanChannelState(rows.Scan)
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func scanChannelState(scan func(...any) error) (cortex.ChannelState, error) {
	var st cortex.ChannelState
	var layer string
	err := scan(&st.Channel, &st.LastMessageAt, &st.UnreadCount, &st.Summary, &layer)
	st.Layer = cortex.AttentionLayer(layer)
	return st, err
}

// --- Checkpoints ---

// SaveCheckpoint appends a snapshot of channel states and pending ops.
func (s *Store) SaveCheckpoint(ctx context.Context, cp cortex.Checkpoint) error {
	channels, _ := json.Marshal(cp.Channels)
	ops, _ := json.Marshal(cp.Ops)
	if cp.CreatedAt == 0 {
		cp.CreatedAt = cortex.NowUnix()
	}
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (created_at, channels, ops) VALUES (?, ?, ?)`,
			cp.CreatedAt, string(channels), string(ops))
		return err
	})
}

// LatestCheckpoint returns the most recent snapshot, or nil if none exists.
func (s *Store) LatestCheckpoint(ctx context.Context) (*cortex.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, channels, ops FROM checkpoints ORDER BY id DESC LIMIT 1`)
	var cp cortex.Checkpoint
	var channels, ops string
	if err := row.Scan(&cp.ID, &cp.CreatedAt, &channels, &ops); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	_ = json.Unmarshal([]byte(channels), &cp.Channels)
	_ = json.Unmarshal([]byte(ops), &cp.Ops)
	return &cp, nil
}
