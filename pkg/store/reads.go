package store

import "context"

// StoredMessage is a row as read back from `messages`, ordered by
// message_id ascending — the shape the Thread/Message Cache rehydrates
// into an in-memory llm.ChatHistory on a cold cache miss.
type StoredMessage struct {
	ChatID           int64
	MessageID        int64
	ThreadID         int64
	Role             string
	TextBody         string
	ThinkingBlocks   []byte
	SenderDisplay    string
	ReplySnippet     string
	QuoteText        string
	ForwardOrigin    string
	HasAttachments   bool
	EditCount        int
	OriginalBody     string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// MessagesByThread loads the persisted tail (the last limit rows by
// message_id) for a thread, oldest first — used to rehydrate the
// in-memory cache on miss (§4.B).
func (s *Store) MessagesByThread(ctx context.Context, threadID int64, limit int) ([]StoredMessage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT * FROM (
			SELECT chat_id, message_id, thread_id, role, text_body, thinking_blocks,
			       sender_display, reply_snippet, quote_text, forward_origin,
			       has_attachments, edit_count, original_body, prompt_tokens,
			       completion_tokens, cost
			FROM messages
			WHERE thread_id = $1
			ORDER BY message_id DESC
			LIMIT $2
		) AS recent
		ORDER BY message_id ASC
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.ThreadID, &m.Role, &m.TextBody, &m.ThinkingBlocks,
			&m.SenderDisplay, &m.ReplySnippet, &m.QuoteText, &m.ForwardOrigin,
			&m.HasAttachments, &m.EditCount, &m.OriginalBody, &m.PromptTokens,
			&m.CompletionTokens, &m.Cost); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ThreadIDFor resolves (or the caller creates) the thread row for a
// (chat, user, topic) triple — threads are the unit the cache, formatter,
// and balance ledger all key off (§3 Thread).
func (s *Store) ThreadIDFor(ctx context.Context, chatID, userID int64, topicID *int64) (int64, error) {
	var threadID int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO threads (chat_id, user_id, topic_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id, topic_id) DO UPDATE SET chat_id = EXCLUDED.chat_id
		RETURNING thread_id
	`, chatID, userID, topicID).Scan(&threadID)
	return threadID, err
}

// EnsureUser makes sure a users row exists, returning the current balance.
func (s *Store) EnsureUser(ctx context.Context, userID int64) (float64, error) {
	var balance float64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO users (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING balance
	`, userID).Scan(&balance)
	return balance, err
}

// EnsureChat makes sure a chats row exists.
func (s *Store) EnsureChat(ctx context.Context, chatID int64, chatType string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO chats (chat_id, chat_type) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO NOTHING
	`, chatID, chatType)
	return err
}
