package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sky93/dripflow/internal/core"
)

const contactColumns = `id, owner_id, first_name, last_name, phone, email, created_at`

func scanContact(row rowScanner) (*core.Contact, error) {
	var (
		c         core.Contact
		lastName  sql.NullString
		email     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.FirstName, &lastName, &c.Phone, &email, &createdAt); err != nil {
		return nil, err
	}
	c.LastName = lastName.String
	c.Email = email.String
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// GetContact loads a contact by id.
func (s *SQLStore) GetContact(ctx context.Context, id string) (*core.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+contactColumns+` FROM `+s.contacts+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.SubjectNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading contact %s: %w", id, err)
	}
	return c, nil
}

// CreateContact stores a new contact. CreatedAt defaults to now.
func (s *SQLStore) CreateContact(ctx context.Context, c *core.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.contacts+`
		(id, owner_id, first_name, last_name, phone, email, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.OwnerID, c.FirstName, nullString(c.LastName), c.Phone, nullString(c.Email), toMillis(c.CreatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Duplicate("contact " + c.ID).WithCause(err)
		}
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

// ListContacts returns the newest contacts first.
func (s *SQLStore) ListContacts(ctx context.Context, limit int) ([]core.Contact, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+contactColumns+` FROM `+s.contacts+`
		ORDER BY created_at DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var out []core.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateTask stores a follow-up task.
func (s *SQLStore) CreateTask(ctx context.Context, t *core.Task) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.tasks+`
		(id, contact_id, owner_id, run_id, title, description, due_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ContactID, t.OwnerID, nullString(t.RunID), t.Title, nullString(t.Description),
		nullMillis(t.DueAt), toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// ListTasks returns a contact's tasks, oldest first.
func (s *SQLStore) ListTasks(ctx context.Context, contactID string) ([]core.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT
		id, contact_id, owner_id, run_id, title, description, due_at, created_at
		FROM `+s.tasks+` WHERE contact_id = ? ORDER BY created_at, id`), contactID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []core.Task
	for rows.Next() {
		var (
			t           core.Task
			runID, desc sql.NullString
			dueAt       sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(&t.ID, &t.ContactID, &t.OwnerID, &runID, &t.Title, &desc, &dueAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.RunID = runID.String
		t.Description = desc.String
		t.DueAt = timePtr(dueAt)
		t.CreatedAt = fromMillis(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordMessage stores a sent message.
func (s *SQLStore) RecordMessage(ctx context.Context, m *core.Message) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.messages+`
		(id, contact_id, run_id, to_phone, body, provider_id, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ContactID, nullString(m.RunID), m.To, m.Body, nullString(m.ProviderID), toMillis(m.SentAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a contact's messages, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, contactID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT
		id, contact_id, run_id, to_phone, body, provider_id, sent_at
		FROM `+s.messages+` WHERE contact_id = ? ORDER BY sent_at, id`), contactID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m                 core.Message
			runID, providerID sql.NullString
			sentAt            int64
		)
		if err := rows.Scan(&m.ID, &m.ContactID, &runID, &m.To, &m.Body, &providerID, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.RunID = runID.String
		m.ProviderID = providerID.String
		m.SentAt = fromMillis(sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
