// Package firestore provides a Firestore implementation of the goentitle.Storage interface.
// Updates run inside Firestore transactions, which serialize writers per document.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const fieldSubscriptionID = "billing_subscription_id"

// Storage implements goentitle.Storage using Google Cloud Firestore
type Storage struct {
	client            *firestore.Client
	recordsCollection string
}

var _ goentitle.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// RecordsCollection is the Firestore collection for entitlement records
	// Default: "entitlement_records"
	RecordsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "entitlement_records"
	}
	return &Storage{
		client:            client,
		recordsCollection: config.RecordsCollection,
	}, nil
}

// document is the Firestore form of a record, keyed by user ID.
type document struct {
	UserID                string     `firestore:"user_id"`
	Tier                  string     `firestore:"tier"`
	Status                string     `firestore:"status"`
	HasSelectedPlan       bool       `firestore:"has_selected_plan"`
	TrialStartedAt        time.Time  `firestore:"trial_started_at"`
	BillingCustomerID     string     `firestore:"billing_customer_id"`
	BillingSubscriptionID string     `firestore:"billing_subscription_id"`
	CurrentPeriodStart    *time.Time `firestore:"current_period_start"`
	CurrentPeriodEnd      *time.Time `firestore:"current_period_end"`
	CancelAtPeriodEnd     bool       `firestore:"cancel_at_period_end"`
	PendingPlan           string     `firestore:"pending_plan"`
	PlanRequestedAt       *time.Time `firestore:"plan_requested_at"`
	LastEventID           string     `firestore:"last_event_id"`
	LastEventType         string     `firestore:"last_event_type"`
	LastEventAt           *time.Time `firestore:"last_event_at"`
	Version               int64      `firestore:"version"`
	CreatedAt             time.Time  `firestore:"created_at"`
	UpdatedAt             time.Time  `firestore:"updated_at"`
}

// GetRecord implements goentitle.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*goentitle.Record, error) {
	snap, err := s.doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goentitle.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return fromSnapshot(snap)
}

// CreateRecord implements goentitle.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *goentitle.Record) (*goentitle.Record, bool, error) {
	if rec == nil || rec.UserID == "" {
		return nil, false, fmt.Errorf("invalid record")
	}

	stored := rec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}

	_, err := s.doc(stored.UserID).Create(ctx, toDocument(stored))
	if status.Code(err) == codes.AlreadyExists {
		existing, err := s.GetRecord(ctx, stored.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create record: %w", err)
	}
	return stored, true, nil
}

// UpdateRecord implements goentitle.Storage
func (s *Storage) UpdateRecord(ctx context.Context, userID string, fn goentitle.MutateFunc) (*goentitle.Record, error) {
	ref := s.doc(userID)
	var next *goentitle.Record

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goentitle.ErrRecordNotFound
			}
			return fmt.Errorf("failed to get record: %w", err)
		}
		current, err := fromSnapshot(snap)
		if err != nil {
			return err
		}

		// the transaction may be retried, so start from the snapshot every time
		candidate := current.Clone()
		if err := fn(candidate); err != nil {
			return err
		}
		candidate.UserID = userID
		candidate.Version = current.Version + 1

		if err := tx.Set(ref, toDocument(candidate)); err != nil {
			return err
		}
		next = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// FindBySubscriptionID implements goentitle.Storage
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*goentitle.Record, error) {
	if subscriptionID == "" {
		return nil, goentitle.ErrRecordNotFound
	}

	snaps, err := s.client.Collection(s.recordsCollection).
		Where(fieldSubscriptionID, "==", subscriptionID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to find record by subscription: %w", err)
	}
	if len(snaps) == 0 {
		return nil, goentitle.ErrRecordNotFound
	}
	return fromSnapshot(snaps[0])
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) doc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.recordsCollection).Doc(userID)
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*goentitle.Record, error) {
	var d document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return d.record(), nil
}

func toDocument(rec *goentitle.Record) document {
	return document{
		UserID:                rec.UserID,
		Tier:                  string(rec.Tier),
		Status:                string(rec.Status),
		HasSelectedPlan:       rec.HasSelectedPlan,
		TrialStartedAt:        rec.TrialStartedAt,
		BillingCustomerID:     rec.BillingCustomerID,
		BillingSubscriptionID: rec.BillingSubscriptionID,
		CurrentPeriodStart:    rec.CurrentPeriodStart,
		CurrentPeriodEnd:      rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:     rec.CancelAtPeriodEnd,
		PendingPlan:           string(rec.PendingPlan),
		PlanRequestedAt:       rec.PlanRequestedAt,
		LastEventID:           rec.LastEventID,
		LastEventType:         rec.LastEventType,
		LastEventAt:           rec.LastEventAt,
		Version:               rec.Version,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}

func (d document) record() *goentitle.Record {
	return &goentitle.Record{
		UserID:                d.UserID,
		Tier:                  goentitle.Tier(d.Tier),
		Status:                goentitle.Status(d.Status),
		HasSelectedPlan:       d.HasSelectedPlan,
		TrialStartedAt:        d.TrialStartedAt.UTC(),
		BillingCustomerID:     d.BillingCustomerID,
		BillingSubscriptionID: d.BillingSubscriptionID,
		CurrentPeriodStart:    utc(d.CurrentPeriodStart),
		CurrentPeriodEnd:      utc(d.CurrentPeriodEnd),
		CancelAtPeriodEnd:     d.CancelAtPeriodEnd,
		PendingPlan:           goentitle.Tier(d.PendingPlan),
		PlanRequestedAt:       utc(d.PlanRequestedAt),
		LastEventID:           d.LastEventID,
		LastEventType:         d.LastEventType,
		LastEventAt:           utc(d.LastEventAt),
		Version:               d.Version,
		CreatedAt:             d.CreatedAt.UTC(),
		UpdatedAt:             d.UpdatedAt.UTC(),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
