// Package workflow holds the named outreach sequences and the machinery that
// schedules and executes their steps.
package workflow

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/sky93/dripflow/internal/core"
)

// Key names a workflow.
type Key string

const (
	FiveDaysOfJoy    Key = "FIVE_DAYS_OF_JOY"
	SellerLeadStart  Key = "SELLER_LEAD_START"
	BuyerLeadStart   Key = "BUYER_LEAD_START"
	BirthdayReminder Key = "BIRTHDAY_REMINDER"
	HomeAnniversary  Key = "HOME_ANNIVERSARY"
)

// Keys lists every workflow.
func Keys() []Key {
	return []Key{FiveDaysOfJoy, SellerLeadStart, BuyerLeadStart, BirthdayReminder, HomeAnniversary}
}

// ParseKey accepts a workflow key in any letter case.
func ParseKey(s string) (Key, error) {
	k := Key(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := Lookup(k); !ok {
		return "", core.UnknownWorkflow(s)
	}
	return k, nil
}

// Action is the side effect a step performs.
type Action int

const (
	SendMessage Action = iota
	CreateTask
)

func (a Action) String() string {
	switch a {
	case SendMessage:
		return "send-message"
	case CreateTask:
		return "create-task"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Step is one entry of a workflow's step table.
type Step struct {
	Name   string
	Action Action

	// Body is the message template for SendMessage, rendered with the Contact.
	Body *template.Template

	// Title and Description describe the task for CreateTask.
	Title       string
	Description string

	// NextDelay is how long to wait before the following step.
	NextDelay time.Duration
}

// Definition is a workflow's fixed step table.
type Definition struct {
	Key   Key
	Steps []Step

	// Recur, when set, schedules the workflow again relative to its completion.
	Recur func(from time.Time) time.Time
}

const day = 24 * time.Hour

func yearly(from time.Time) time.Time {
	return from.AddDate(1, 0, 0)
}

func message(name, body string, next time.Duration) Step {
	return Step{
		Name:      name,
		Action:    SendMessage,
		Body:      template.Must(template.New(name).Option("missingkey=error").Parse(body)),
		NextDelay: next,
	}
}

func task(name, title, description string, next time.Duration) Step {
	return Step{
		Name:        name,
		Action:      CreateTask,
		Title:       title,
		Description: description,
		NextDelay:   next,
	}
}

var (
	fiveDaysOfJoy = Definition{
		Key: FiveDaysOfJoy,
		Steps: []Step{
			message("Day 0", "Hi {{.FirstName}}, welcome aboard! Over the next five days we'll share a few things we love about your new neighborhood.", day),
			message("Day 1", "Day 1, {{.FirstName}}: the best coffee in town is a short walk away. Want a list of our favorites?", day),
			message("Day 2", "Day 2: local parks and trails worth a weekend visit. Reply PARKS for our guide.", day),
			message("Day 3", "Day 3, {{.FirstName}}: a reminder that your agent is one text away for anything you need.", day),
			message("Day 4", "Day 4: trusted contractors and services our clients rely on. Reply PROS for the list.", day),
			message("Day 5", "That's a wrap on five days of joy, {{.FirstName}}! Thanks for letting us be part of your move.", 0),
		},
	}

	sellerLeadStart = Definition{
		Key: SellerLeadStart,
		Steps: []Step{
			message("Seller Guide", "Hi {{.FirstName}}, thanks for reaching out about selling. Here is our guide: 7 Signs It's Time to Sell Your Home.", day),
			message("Seller Check-in", "Hi {{.FirstName}}, did the guide help? Reply with a good time for a quick call about your home's value.", 3*day),
			task("Seller Follow-up", "Seller Follow-up", "Call the seller lead to discuss a listing appointment.", 0),
		},
	}

	buyerLeadStart = Definition{
		Key: BuyerLeadStart,
		Steps: []Step{
			task("Validate Buyer", "Validate Buyer", "Confirm financing and search criteria for the new buyer lead.", 5*time.Second),
			message("Buyer Welcome", "Hi {{.FirstName}}, thanks for your interest! Your agent will send listings that match what you're looking for.", 0),
		},
	}

	birthdayReminder = Definition{
		Key: BirthdayReminder,
		Steps: []Step{
			message("Birthday", "Happy birthday, {{.FirstName}}! Wishing you a wonderful year ahead.", 0),
		},
		Recur: yearly,
	}

	homeAnniversary = Definition{
		Key: HomeAnniversary,
		Steps: []Step{
			message("Home Anniversary", "Happy home anniversary, {{.FirstName}}! Another year of memories in your home.", 0),
		},
		Recur: yearly,
	}
)

// Lookup returns the definition for key.
func Lookup(key Key) (Definition, bool) {
	switch key {
	case FiveDaysOfJoy:
		return fiveDaysOfJoy, true
	case SellerLeadStart:
		return sellerLeadStart, true
	case BuyerLeadStart:
		return buyerLeadStart, true
	case BirthdayReminder:
		return birthdayReminder, true
	case HomeAnniversary:
		return homeAnniversary, true
	}
	return Definition{}, false
}

// TotalSteps returns the length of the workflow's step table, or 0 for unknown keys.
func TotalSteps(workflowKey string) int {
	def, ok := Lookup(Key(workflowKey))
	if !ok {
		return 0
	}
	return len(def.Steps)
}

// Render executes a message step's template for the contact.
func (s Step) Render(c core.Contact) (string, error) {
	var b strings.Builder
	if err := s.Body.Execute(&b, c); err != nil {
		return "", fmt.Errorf("rendering %q: %w", s.Name, err)
	}
	return b.String(), nil
}
