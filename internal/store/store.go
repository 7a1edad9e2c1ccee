// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/membercare/chat-gateway/internal/domain"
)

// Repository persists member records and finished-session transcripts. Live
// chat state never touches the repository; only audit data does.
type Repository interface {
	// GetMember retrieves a member by their member ID.
	GetMember(ctx context.Context, memberID string) (*domain.Member, error)

	// UpsertMember creates or updates a member record.
	UpsertMember(ctx context.Context, member *domain.Member) error

	// UpdateLastSeen updates the last_seen_at timestamp for a member.
	UpdateLastSeen(ctx context.Context, memberID string, lastSeen time.Time) error

	// UpdatePlanBinding records the plan/member-type pair last used by a
	// member's configuration load.
	UpdatePlanBinding(ctx context.Context, memberID, planID, memberType string) error

	// SaveTranscript stores a finished session transcript.
	SaveTranscript(ctx context.Context, t *domain.Transcript) error

	// ListTranscripts returns a member's transcripts, newest first.
	ListTranscripts(ctx context.Context, memberID string, limit int) ([]*domain.Transcript, error)

	// DeleteTranscriptsBefore removes transcripts that ended before the
	// cutoff. Returns the number of rows deleted.
	DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
