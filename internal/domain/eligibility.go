// Package domain contains core domain types for the chat gateway.
package domain

// ChatMode selects which widget variant serves a session.
type ChatMode string

const (
	// ModeLegacy routes the session through the bus-style widget.
	ModeLegacy ChatMode = "legacy"
	// ModeCloud routes the session through the cloud widget.
	ModeCloud ChatMode = "cloud"
)

// BusinessHours is the evaluated staffing window for a chat queue.
type BusinessHours struct {
	IsOpen bool   `json:"is_open"`
	Text   string `json:"text"`
}

// EligibilityRecord is the normalized configuration for one member/plan
// combination. It is built wholesale on every configuration load and never
// partially mutated.
type EligibilityRecord struct {
	IsEligible        bool          `json:"is_eligible"`
	ChatAvailable     bool          `json:"chat_available"`
	CloudChatEligible bool          `json:"cloud_chat_eligible"`
	ChatGroup         string        `json:"chat_group,omitempty"`
	BusinessHours     BusinessHours `json:"business_hours"`
	WorkingHours      string        `json:"working_hours,omitempty"`
	Member            MemberProfile `json:"member"`
}

// Mode returns the widget variant this record selects.
func (r *EligibilityRecord) Mode() ChatMode {
	if r.CloudChatEligible {
		return ModeCloud
	}
	return ModeLegacy
}

// MemberProfile carries the display fields forwarded to the widget as the
// user-data payload.
type MemberProfile struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	SubscriberID string `json:"subscriber_id"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	PlanID       string `json:"plan_id"`
	MemberType   string `json:"member_type"`
}
