/*
Package billing keeps membership status in step with Stripe subscriptions.

STATUS MAPPING:
  active, trialing              -> active (canceling if cancel_at_period_end)
  past_due, unpaid, incomplete  -> pending
  canceled, incomplete_expired  -> inactive
  anything else (paused)        -> pending

Status changes flow through MemberDirectory.UpdateMembership, which has no
access to balance columns. A member who drops to pending or inactive loses
monthly allocations and the Full-member discount from the next read on.
*/
package billing

import (
	"context"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	stripeprov "github.com/warp/cpd-engine/catalogue/stripe"
	"github.com/warp/cpd-engine/cpd"
)

// SubscriptionAPI is the subset of the Stripe subscriptions client used here.
type SubscriptionAPI interface {
	Get(id string, params *stripego.SubscriptionParams) (*stripego.Subscription, error)
}

// Subscription is the provider state relevant to membership.
type Subscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	TrialEnd          *time.Time
}

// MembershipStatus maps a subscription onto a membership status.
func (s Subscription) MembershipStatus() cpd.MembershipStatus {
	switch stripego.SubscriptionStatus(s.Status) {
	case stripego.SubscriptionStatusActive, stripego.SubscriptionStatusTrialing:
		if s.CancelAtPeriodEnd {
			return cpd.StatusCanceling
		}
		return cpd.StatusActive
	case stripego.SubscriptionStatusCanceled, stripego.SubscriptionStatusIncompleteExpired:
		return cpd.StatusInactive
	default:
		return cpd.StatusPending
	}
}

type Syncer struct {
	members cpd.Reader
	dir     cpd.MemberDirectory
	subs    SubscriptionAPI
	logger  *zap.Logger
}

func NewSyncer(members cpd.Reader, dir cpd.MemberDirectory, sc *client.API, logger *zap.Logger) *Syncer {
	return NewSyncerWithAPI(members, dir, sc.Subscriptions, logger)
}

func NewSyncerWithAPI(members cpd.Reader, dir cpd.MemberDirectory, subs SubscriptionAPI, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{members: members, dir: dir, subs: subs, logger: logger.Named("billing")}
}

// Refresh pulls the member's subscription and stores the mapped status.
func (s *Syncer) Refresh(ctx context.Context, memberID cpd.MemberID) (*cpd.Member, *Subscription, error) {
	m, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	if m.StripeSubscriptionID == "" {
		return nil, nil, cpd.Invalid("stripe_subscription_id", "member %s has no subscription", memberID)
	}

	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	raw, err := s.subs.Get(m.StripeSubscriptionID, params)
	if err != nil {
		return nil, nil, stripeprov.Classify("retrieve subscription", err)
	}
	sub := fromStripe(raw)

	status := sub.MembershipStatus()
	if status == m.MembershipStatus {
		return m, &sub, nil
	}
	updated, err := s.dir.UpdateMembership(ctx, memberID, cpd.MembershipUpdate{Status: &status})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("membership status changed",
		zap.String("member_id", string(memberID)),
		zap.String("from", string(m.MembershipStatus)),
		zap.String("to", string(status)),
		zap.String("subscription_status", sub.Status),
	)
	return updated, &sub, nil
}

func fromStripe(raw *stripego.Subscription) Subscription {
	sub := Subscription{
		ID:                raw.ID,
		Status:            string(raw.Status),
		CancelAtPeriodEnd: raw.CancelAtPeriodEnd,
	}
	if raw.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(raw.CurrentPeriodEnd, 0).UTC()
	}
	if raw.TrialEnd > 0 {
		t := time.Unix(raw.TrialEnd, 0).UTC()
		sub.TrialEnd = &t
	}
	return sub
}
