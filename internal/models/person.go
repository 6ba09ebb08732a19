package models

import (
	"time"

	"github.com/google/uuid"
)

type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelSMS      ChannelType = "sms"
	ChannelWeb      ChannelType = "web"
)

type Person struct {
	ID            uuid.UUID  `db:"person_id" json:"person_id"`
	OrgID         uuid.UUID  `db:"org_id" json:"org_id"`
	FullName      string     `db:"full_name" json:"full_name"`
	PreferredName string     `db:"preferred_name" json:"preferred_name,omitempty"`
	Timezone      string     `db:"timezone" json:"timezone,omitempty"`
	DeletedAt     *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// DisplayName prefers the preferred name, then the first word of the full name.
func (p *Person) DisplayName() string {
	if p.PreferredName != "" {
		return p.PreferredName
	}
	for i, r := range p.FullName {
		if r == ' ' {
			return p.FullName[:i]
		}
	}
	return p.FullName
}

// CommIdentity maps a person to an address on one channel.
type CommIdentity struct {
	ID            uuid.UUID   `db:"comm_identity_id" json:"comm_identity_id"`
	OrgID         uuid.UUID   `db:"org_id" json:"org_id"`
	PersonID      uuid.UUID   `db:"person_id" json:"person_id"`
	ChannelType   ChannelType `db:"channel_type" json:"channel_type"`
	IdentityValue string      `db:"identity_value" json:"identity_value"`
	IsPrimary     bool        `db:"is_primary" json:"is_primary"`
	DeletedAt     *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// HistoryMessage is a past conversation message used to personalise reminders.
type HistoryMessage struct {
	Direction string    `db:"direction" json:"direction"`
	AgentName string    `db:"agent_name" json:"agent_name,omitempty"`
	Content   string    `db:"content_text" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PersonContext is everything the composer needs to write one reminder.
type PersonContext struct {
	Person         Person           `json:"person"`
	Identity       CommIdentity     `json:"-"`
	Subject        *DateItem        `json:"subject,omitempty"`
	UpcomingDates  []*DateItem      `json:"upcoming_dates,omitempty"`
	RecentMessages []HistoryMessage `json:"recent_messages,omitempty"`
}
