package core

import (
	"strings"
	"time"
)

// Contact is the subject workflows act upon.
type Contact struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName,omitempty"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Name returns the display name of the contact.
func (c Contact) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Validate checks the fields a workflow relies on.
func (c Contact) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrValidation(CodeInvalidInput, "contact id is required")
	}
	if strings.TrimSpace(c.Phone) == "" {
		return ErrValidation(CodeInvalidInput, "contact phone is required")
	}
	return nil
}

// Task is a follow-up item created for the contact's owner.
type Task struct {
	ID          string     `json:"id"`
	ContactID   string     `json:"contactId"`
	OwnerID     string     `json:"ownerId"`
	RunID       string     `json:"runId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Message is an outbound message handed to the gateway.
type Message struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contactId"`
	RunID      string    `json:"runId,omitempty"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	ProviderID string    `json:"providerId,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}
