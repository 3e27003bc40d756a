package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sagedialogue/sage/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlDB holds the domain repositories shared by the SQLite and PostgreSQL
// backends. Queries are written with ? placeholders and rebound per dialect.
type sqlDB struct {
	db      *sql.DB
	dialect dialect
	name    string
}

func (d *sqlDB) Close() error {
	slog.Debug(d.name + ".Close: closing database")
	return d.db.Close()
}

func (d *sqlDB) q(query string) string {
	if d.dialect == dialectPostgres {
		return rebindPostgres(query)
	}
	return query
}

func (d *sqlDB) now() time.Time {
	if d.dialect == dialectSQLite {
		return time.Now().UTC()
	}
	return time.Now()
}

func (d *sqlDB) ts(t time.Time) time.Time {
	if d.dialect == dialectSQLite {
		return t.UTC()
	}
	return t
}

// containsExpr is a case-sensitive substring test on user_insights.content.
func (d *sqlDB) containsExpr() string {
	if d.dialect == dialectPostgres {
		return "strpos(content, ?) > 0"
	}
	return "instr(content, ?) > 0"
}

// forUpdate locks selected rows on PostgreSQL. SQLite serializes writers on
// its single connection instead.
func (d *sqlDB) forUpdate() string {
	if d.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func (d *sqlDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(d.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

// --- Conversations ---

const conversationColumns = `c.id, c.user_id, c.title, c.summary, c.phase, c.is_active, c.created_at, c.updated_at`

func scanConversation(sc rowScanner, extra ...interface{}) (models.Conversation, error) {
	var c models.Conversation
	var summary sql.NullString
	dest := []interface{}{&c.ID, &c.UserID, &c.Title, &summary, &c.Phase, &c.IsActive, &c.CreatedAt, &c.UpdatedAt}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return c, err
	}
	c.Summary = nullStringPtr(summary)
	return c, nil
}

func (d *sqlDB) CreateConversation(ctx context.Context, c *models.Conversation) error {
	now := d.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = models.DefaultConversationTitle
	}
	if c.Phase == "" {
		c.Phase = models.PhaseOpening
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if c.IsActive {
			if _, err := tx.ExecContext(ctx, d.q(`UPDATE conversations SET is_active = FALSE WHERE user_id = ? AND is_active = TRUE`), c.UserID); err != nil {
				return fmt.Errorf("deactivate previous conversations failed: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, d.q(
			`INSERT INTO conversations (id, user_id, title, summary, phase, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.UserID, c.Title, c.Summary, string(c.Phase), c.IsActive, d.ts(c.CreatedAt), d.ts(c.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert conversation failed: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(d.name+".CreateConversation failed", "userID", c.UserID, "error", err)
		return err
	}
	slog.Debug(d.name+".CreateConversation", "conversationID", c.ID, "userID", c.UserID, "active", c.IsActive)
	return nil
}

func (d *sqlDB) GetConversation(ctx context.Context, userID, id string) (*models.Conversation, error) {
	row := d.db.QueryRowContext(ctx, d.q(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ? AND c.user_id = ?`), id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &c, nil
}

func (d *sqlDB) queryConversations(ctx context.Context, query string, withCount bool, args ...interface{}) ([]models.Conversation, error) {
	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations failed: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var (
			c     models.Conversation
			count int
			err   error
		)
		if withCount {
			c, err = scanConversation(rows, &count)
			c.MessageCount = count
		} else {
			c, err = scanConversation(rows)
		}
		if err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations failed: %w", err)
	}
	return out, nil
}

func (d *sqlDB) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	return d.queryConversations(ctx,
		`SELECT `+conversationColumns+`, (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c WHERE c.user_id = ? ORDER BY c.updated_at DESC`+limitClause(limit),
		true, userID)
}

func (d *sqlDB) ListSummarizedConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	return d.queryConversations(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations c WHERE c.user_id = ? AND c.summary IS NOT NULL AND c.summary <> ''
		 ORDER BY c.updated_at DESC`+limitClause(limit),
		false, userID)
}

func (d *sqlDB) GetActiveConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	row := d.db.QueryRowContext(ctx, d.q(
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.user_id = ? AND c.is_active = TRUE ORDER BY c.updated_at DESC LIMIT 1`), userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active conversation failed: %w", err)
	}
	return &c, nil
}

func (d *sqlDB) UpdateConversation(ctx context.Context, userID, id string, upd models.ConversationUpdate) (*models.Conversation, error) {
	var updated models.Conversation
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, d.q(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ? AND c.user_id = ?`+d.forUpdate()), id, userID)
		c, err := scanConversation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("load conversation failed: %w", err)
		}

		if upd.Title != nil {
			c.Title = *upd.Title
		}
		if upd.Phase != nil {
			c.Phase = *upd.Phase
		}
		if upd.IsActive != nil {
			if *upd.IsActive && !c.IsActive {
				if _, err := tx.ExecContext(ctx, d.q(`UPDATE conversations SET is_active = FALSE WHERE user_id = ? AND is_active = TRUE AND id <> ?`), userID, id); err != nil {
					return fmt.Errorf("deactivate other conversations failed: %w", err)
				}
			}
			c.IsActive = *upd.IsActive
		}
		c.UpdatedAt = d.now()

		_, err = tx.ExecContext(ctx, d.q(`UPDATE conversations SET title = ?, phase = ?, is_active = ?, updated_at = ? WHERE id = ?`),
			c.Title, string(c.Phase), c.IsActive, c.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("update conversation failed: %w", err)
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (d *sqlDB) SetConversationSummary(ctx context.Context, id, summary string) error {
	_, err := d.db.ExecContext(ctx, d.q(`UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`), summary, d.now(), id)
	if err != nil {
		return fmt.Errorf("set conversation summary failed: %w", err)
	}
	return nil
}

func (d *sqlDB) DeactivateConversation(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE conversations SET is_active = FALSE, updated_at = ? WHERE id = ? AND is_active = TRUE`), d.now(), id)
	if err != nil {
		return fmt.Errorf("deactivate conversation failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug(d.name+".DeactivateConversation", "conversationID", id)
	}
	return nil
}

func (d *sqlDB) DeactivateStaleConversations(ctx context.Context, idleSince time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE conversations SET is_active = FALSE, updated_at = ? WHERE is_active = TRUE AND updated_at < ?`),
		d.now(), d.ts(idleSince))
	if err != nil {
		return 0, fmt.Errorf("deactivate stale conversations failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *sqlDB) DeleteConversation(ctx context.Context, userID, id string) (bool, error) {
	deleted := false
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.q(`DELETE FROM conversations WHERE id = ? AND user_id = ?`), id, userID)
		if err != nil {
			return fmt.Errorf("delete conversation failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		deleted = true
		if _, err := tx.ExecContext(ctx, d.q(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
			return fmt.Errorf("delete messages failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, d.q(`DELETE FROM conversation_insights WHERE conversation_id = ?`), id); err != nil {
			return fmt.Errorf("delete conversation insights failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (d *sqlDB) CountConversations(ctx context.Context, userID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM conversations WHERE user_id = ?`), userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations failed: %w", err)
	}
	return n, nil
}

// --- Messages ---

func (d *sqlDB) insertMessage(ctx context.Context, tx *sql.Tx, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	_, err := tx.ExecContext(ctx, d.q(
		`INSERT INTO messages (id, conversation_id, role, content, phase, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Role), m.Content, string(m.Phase), m.TokensUsed, d.ts(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	return nil
}

func (d *sqlDB) touchConversation(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, d.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`), d.now(), id); err != nil {
		return fmt.Errorf("touch conversation failed: %w", err)
	}
	return nil
}

func (d *sqlDB) AddMessage(ctx context.Context, m *models.Message) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.insertMessage(ctx, tx, m); err != nil {
			return err
		}
		return d.touchConversation(ctx, tx, m.ConversationID)
	})
}

func (d *sqlDB) AddMessages(ctx context.Context, conversationID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			msgs[i].ConversationID = conversationID
			if err := d.insertMessage(ctx, tx, &msgs[i]); err != nil {
				return err
			}
		}
		return d.touchConversation(ctx, tx, conversationID)
	})
	if err != nil {
		slog.Error(d.name+".AddMessages failed", "conversationID", conversationID, "count", len(msgs), "error", err)
		return err
	}
	slog.Debug(d.name+".AddMessages", "conversationID", conversationID, "count", len(msgs))
	return nil
}

func (d *sqlDB) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, d.q(
		`SELECT id, conversation_id, role, content, phase, tokens_used, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`+limitClause(limit)), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Phase, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages failed: %w", err)
	}
	return out, nil
}

func (d *sqlDB) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return n, nil
}

// --- Insights ---

func (d *sqlDB) AddConversationInsights(ctx context.Context, insights []models.ConversationInsight) error {
	if len(insights) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for i := range insights {
			in := &insights[i]
			if in.ID == "" {
				in.ID = uuid.NewString()
			}
			if in.CreatedAt.IsZero() {
				in.CreatedAt = d.now()
			}
			_, err := tx.ExecContext(ctx, d.q(
				`INSERT INTO conversation_insights (id, conversation_id, content, type, created_at) VALUES (?, ?, ?, ?, ?)`),
				in.ID, in.ConversationID, in.Content, string(in.Type), d.ts(in.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert conversation insight failed: %w", err)
			}
		}
		return nil
	})
}

func (d *sqlDB) ListConversationInsights(ctx context.Context, conversationID string) ([]models.ConversationInsight, error) {
	rows, err := d.db.QueryContext(ctx, d.q(
		`SELECT id, conversation_id, content, type, created_at FROM conversation_insights
		 WHERE conversation_id = ? ORDER BY seq ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation insights failed: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationInsight
	for rows.Next() {
		var in models.ConversationInsight
		if err := rows.Scan(&in.ID, &in.ConversationID, &in.Content, &in.Type, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation insight failed: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const userInsightColumns = `id, user_id, content, category, confidence, created_at, updated_at`

func scanUserInsight(sc rowScanner) (models.UserInsight, error) {
	var in models.UserInsight
	err := sc.Scan(&in.ID, &in.UserID, &in.Content, &in.Category, &in.Confidence, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

func (d *sqlDB) FindUserInsightContaining(ctx context.Context, userID, fragment string) (*models.UserInsight, error) {
	row := d.db.QueryRowContext(ctx, d.q(
		`SELECT `+userInsightColumns+` FROM user_insights
		 WHERE user_id = ? AND `+d.containsExpr()+` ORDER BY created_at ASC LIMIT 1`), userID, fragment)
	in, err := scanUserInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user insight failed: %w", err)
	}
	return &in, nil
}

func (d *sqlDB) CreateUserInsight(ctx context.Context, in *models.UserInsight) error {
	now := d.now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt, in.UpdatedAt = now, now
	_, err := d.db.ExecContext(ctx, d.q(
		`INSERT INTO user_insights (id, user_id, content, category, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.UserID, in.Content, string(in.Category), in.Confidence, now, now,
	)
	if err != nil {
		return fmt.Errorf("create user insight failed: %w", err)
	}
	return nil
}

func (d *sqlDB) UpdateUserInsightConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := d.db.ExecContext(ctx, d.q(`UPDATE user_insights SET confidence = ?, updated_at = ? WHERE id = ?`), confidence, d.now(), id)
	if err != nil {
		return fmt.Errorf("update user insight failed: %w", err)
	}
	return nil
}

func (d *sqlDB) ListUserInsights(ctx context.Context, userID string, minConfidence float64, limit int) ([]models.UserInsight, error) {
	rows, err := d.db.QueryContext(ctx, d.q(
		`SELECT `+userInsightColumns+` FROM user_insights
		 WHERE user_id = ? AND confidence >= ? ORDER BY confidence DESC, created_at ASC`+limitClause(limit)), userID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("list user insights failed: %w", err)
	}
	defer rows.Close()

	var out []models.UserInsight
	for rows.Next() {
		in, err := scanUserInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user insight failed: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// --- Users ---

func (d *sqlDB) EnsureUser(ctx context.Context, userID string, initialCredits int) (*models.User, error) {
	now := d.now()
	res, err := d.db.ExecContext(ctx, d.q(
		`INSERT INTO users (id, credits, created_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		userID, initialCredits, now)
	if err != nil {
		return nil, fmt.Errorf("ensure user failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info(d.name+".EnsureUser: bootstrapped user", "userID", userID, "credits", initialCredits)
	}
	return d.GetUser(ctx, userID)
}

func (d *sqlDB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var name, email, profile sql.NullString
	err := d.db.QueryRowContext(ctx, d.q(
		`SELECT u.id, u.name, u.email, u.credits, u.profile_summary, u.created_at,
		   (SELECT COUNT(*) FROM conversations c WHERE c.user_id = u.id)
		 FROM users u WHERE u.id = ?`), userID,
	).Scan(&u.ID, &name, &email, &u.Credits, &profile, &u.CreatedAt, &u.ConversationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	u.Name = nullStringPtr(name)
	u.Email = nullStringPtr(email)
	u.ProfileSummary = nullStringPtr(profile)
	return &u, nil
}

func (d *sqlDB) UpdateUserName(ctx context.Context, userID string, name *string) (*models.User, error) {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE users SET name = ? WHERE id = ?`), name, userID)
	if err != nil {
		return nil, fmt.Errorf("update user name failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUserNotFound
	}
	return d.GetUser(ctx, userID)
}

func (d *sqlDB) GetCredits(ctx context.Context, userID string) (int, error) {
	var credits int
	err := d.db.QueryRowContext(ctx, d.q(`SELECT credits FROM users WHERE id = ?`), userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get credits failed: %w", err)
	}
	return credits, nil
}

func (d *sqlDB) AddCredits(ctx context.Context, userID string, credits int) (int, error) {
	if credits <= 0 {
		return 0, ErrInvalidCredits
	}
	var balance int
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.q(`UPDATE users SET credits = credits + ? WHERE id = ?`), credits, userID)
		if err != nil {
			return fmt.Errorf("add credits failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
		return tx.QueryRowContext(ctx, d.q(`SELECT credits FROM users WHERE id = ?`), userID).Scan(&balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (d *sqlDB) SetProfileSummary(ctx context.Context, userID, summary string) error {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE users SET profile_summary = ? WHERE id = ?`), summary, userID)
	if err != nil {
		return fmt.Errorf("set profile summary failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- Ledger ---

func (d *sqlDB) DeductCredits(ctx context.Context, entry models.UsageLedgerEntry) (DeductResult, error) {
	if entry.CreditsUsed <= 0 {
		return DeductResult{}, ErrInvalidCredits
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = d.now()

	var result DeductResult
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		// Lock the balance first so the settlement check below sees any
		// concurrent deduction that committed while we waited.
		var balance int
		err := tx.QueryRowContext(ctx, d.q(`SELECT credits FROM users WHERE id = ?`+d.forUpdate()), entry.UserID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			result = DeductResult{Status: DeductInsufficient}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read balance failed: %w", err)
		}

		if entry.SettlementKey != "" {
			var settled int
			if err := tx.QueryRowContext(ctx, d.q(`SELECT COUNT(*) FROM usage_records WHERE settlement_key = ?`), entry.SettlementKey).Scan(&settled); err != nil {
				return fmt.Errorf("settlement check failed: %w", err)
			}
			if settled > 0 {
				result = DeductResult{Status: DeductAlreadySettled, Remaining: balance}
				return nil
			}
		}

		if balance < entry.CreditsUsed {
			result = DeductResult{Status: DeductInsufficient, Remaining: balance}
			return nil
		}

		res, err := tx.ExecContext(ctx, d.q(`UPDATE users SET credits = credits - ? WHERE id = ? AND credits >= ?`),
			entry.CreditsUsed, entry.UserID, entry.CreditsUsed)
		if err != nil {
			return fmt.Errorf("decrement balance failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result = DeductResult{Status: DeductInsufficient, Remaining: balance}
			return nil
		}

		_, err = tx.ExecContext(ctx, d.q(
			`INSERT INTO usage_records (id, user_id, type, tokens_used, credits_used, model_id, conversation_id, settlement_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.UserID, string(entry.Type), entry.TokensUsed, entry.CreditsUsed,
			nilIfEmpty(entry.ModelID), nilIfEmpty(entry.ConversationID), nilIfEmpty(entry.SettlementKey), entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry failed: %w", err)
		}
		e := entry
		result = DeductResult{Status: DeductApplied, Remaining: balance - entry.CreditsUsed, Entry: &e}
		return nil
	})
	if err != nil {
		slog.Error(d.name+".DeductCredits failed", "userID", entry.UserID, "conversationID", entry.ConversationID,
			"settlementKey", entry.SettlementKey, "error", err)
		return DeductResult{}, err
	}
	slog.Debug(d.name+".DeductCredits", "userID", entry.UserID, "conversationID", entry.ConversationID,
		"credits", entry.CreditsUsed, "status", result.Status, "remaining", result.Remaining)
	return result, nil
}

func (d *sqlDB) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLedgerEntry, error) {
	rows, err := d.db.QueryContext(ctx, d.q(
		`SELECT id, user_id, type, tokens_used, credits_used, model_id, conversation_id, created_at
		 FROM usage_records WHERE user_id = ? ORDER BY created_at DESC`+limitClause(limit)), userID)
	if err != nil {
		return nil, fmt.Errorf("list usage failed: %w", err)
	}
	defer rows.Close()

	var out []models.UsageLedgerEntry
	for rows.Next() {
		var e models.UsageLedgerEntry
		var modelID, conversationID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.TokensUsed, &e.CreditsUsed, &modelID, &conversationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record failed: %w", err)
		}
		e.ModelID = modelID.String
		e.ConversationID = conversationID.String
		out = append(out, e)
	}
	return out, rows.Err()
}
