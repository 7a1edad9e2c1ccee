package domain

import (
	"time"
)

// Member represents a portal visitor known to the gateway. Authentication
// happens upstream; the gateway only tracks the anonymous device identity
// and the member/plan identifiers supplied with each configuration load.
type Member struct {
	MemberID   string    `json:"member_id"`
	Username   string    `json:"username"`
	PlanID     string    `json:"plan_id,omitempty"`
	MemberType string    `json:"member_type,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasPlan returns true if the member has a plan binding recorded.
func (m *Member) HasPlan() bool {
	return m.PlanID != ""
}
