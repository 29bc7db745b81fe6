// ABOUTME: Admission gate state machine evaluated before any reward handler runs
// ABOUTME: Device verification, then the challenge, then mandatory room membership

package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

// State is where a member stands in admission
type State int

// Admission states
const (
	StateNeedsDeviceVerification State = iota
	StateNeedsChallenge
	StateNeedsSubscription
	StateAdmitted
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateNeedsDeviceVerification:
		return "needs_device_verification"
	case StateNeedsChallenge:
		return "needs_challenge"
	case StateNeedsSubscription:
		return "needs_subscription"
	case StateAdmitted:
		return "admitted"
	case StateDenied:
		return "denied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MembershipChecker answers whether a user has joined a room
type MembershipChecker interface {
	ChatMember(ctx context.Context, chatID, userID string) (bool, error)
}

// GateInput is everything Evaluate looks at
type GateInput struct {
	Tenant  *store.Tenant
	User    *store.User
	Member  *store.Member
	Checker MembershipChecker
}

// Decision is the result of Evaluate. MissingRooms lists the mandatory rooms
// not joined when State is StateNeedsSubscription.
type Decision struct {
	State        State
	MissingRooms []string
}

// Store is the persistence the gate needs
type Store interface {
	SetChallengeIndex(ctx context.Context, tenantID, userID string, index int) error
	MarkChallengePassed(ctx context.Context, tenantID, userID string) error
	MarkSubscribed(ctx context.Context, tenantID, userID string) error
	GetMember(ctx context.Context, tenantID, userID string) (*store.Member, error)
}

// Gate evaluates admission for one member of one tenant
type Gate struct {
	store      Store
	settings   settings.Source
	challenges *ChallengeBank
	logger     *slog.Logger
}

// NewGate creates a gate
func NewGate(s Store, src settings.Source, bank *ChallengeBank, logger *slog.Logger) *Gate {
	return &Gate{
		store:      s,
		settings:   src,
		challenges: bank,
		logger:     logger,
	}
}

// Evaluate derives the member's state from the persisted flags. A successful
// subscription check is persisted on the member, and in.Member is updated.
func (g *Gate) Evaluate(ctx context.Context, in GateInput) (Decision, error) {
	if in.User.Banned {
		return Decision{State: StateDenied}, nil
	}

	prot, err := g.settings.Protection(ctx)
	if err != nil {
		return Decision{}, err
	}
	if prot.DeviceVerificationEnabled && !in.User.DeviceVerified {
		return Decision{State: StateNeedsDeviceVerification}, nil
	}

	if !in.Member.ChallengePassed {
		return Decision{State: StateNeedsChallenge}, nil
	}

	if in.Member.Subscribed || in.User.ID == in.Tenant.OwnerID {
		return Decision{State: StateAdmitted}, nil
	}

	missing := g.missingRooms(ctx, in)
	if len(missing) > 0 {
		return Decision{State: StateNeedsSubscription, MissingRooms: missing}, nil
	}

	if err := g.store.MarkSubscribed(ctx, in.Tenant.ID, in.User.ID); err != nil {
		return Decision{}, fmt.Errorf("marking subscribed: %w", err)
	}
	in.Member.Subscribed = true
	return Decision{State: StateAdmitted}, nil
}

// missingRooms checks every mandatory room. A failed lookup counts as not joined.
func (g *Gate) missingRooms(ctx context.Context, in GateInput) []string {
	var missing []string
	for _, room := range in.Tenant.Config.MandatoryRooms {
		joined, err := in.Checker.ChatMember(ctx, room, in.User.ID)
		if err != nil {
			g.logger.Warn("membership lookup failed", "tenant_id", in.Tenant.ID, "room", room, "user_id", in.User.ID, "error", err)
		}
		if err != nil || !joined {
			missing = append(missing, room)
		}
	}
	return missing
}

// IssueChallenge draws a question for the member and remembers which one.
func (g *Gate) IssueChallenge(ctx context.Context, tenantID, userID string) (Question, error) {
	idx, q := g.challenges.Random()
	if err := g.store.SetChallengeIndex(ctx, tenantID, userID, idx); err != nil {
		return Question{}, fmt.Errorf("storing challenge: %w", err)
	}
	return q, nil
}

// PendingChallenge returns the outstanding question, if any.
func (g *Gate) PendingChallenge(ctx context.Context, tenantID, userID string) (Question, bool, error) {
	m, err := g.store.GetMember(ctx, tenantID, userID)
	if err != nil {
		return Question{}, false, err
	}
	q, ok := g.challenges.Get(m.ChallengeIndex)
	return q, ok, nil
}

// AnswerChallenge checks answer, a 0-based option, against the pending
// question. A wrong answer clears the pending question so a new one is drawn;
// earlier flags are never touched.
func (g *Gate) AnswerChallenge(ctx context.Context, tenantID, userID string, answer int) (bool, error) {
	m, err := g.store.GetMember(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	if m.ChallengePassed {
		return true, nil
	}

	if !g.challenges.Check(m.ChallengeIndex, answer) {
		if err := g.store.SetChallengeIndex(ctx, tenantID, userID, -1); err != nil {
			return false, fmt.Errorf("clearing challenge: %w", err)
		}
		return false, nil
	}

	if err := g.store.MarkChallengePassed(ctx, tenantID, userID); err != nil {
		return false, fmt.Errorf("marking challenge passed: %w", err)
	}
	g.logger.Debug("challenge passed", "tenant_id", tenantID, "user_id", userID)
	return true, nil
}
