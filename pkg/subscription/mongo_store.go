package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultCollection is the collection MongoStore uses unless configured otherwise.
const DefaultCollection = "tenant_subscriptions"

// MongoStore keeps one document per tenant. Every mutation is a single-document
// update: counters use update pipelines with $max clamping and the
// conditional increment compares against the document's own limits field.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithCollection overrides the collection name.
func WithCollection(name string) MongoOption {
	return func(s *MongoStore) {
		if name != "" {
			s.coll = s.coll.Database().Collection(name)
		}
	}
}

func WithStoreClock(now func() time.Time) MongoOption {
	return func(s *MongoStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMongoStore(db *mongo.Database, opts ...MongoOption) *MongoStore {
	s := &MongoStore{
		coll: db.Collection(DefaultCollection),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MongoStore)(nil)

type subscriptionDocument struct {
	ID                 string `bson:"_id"`
	TenantSubscription `bson:",inline"`
}

func (d subscriptionDocument) subscription() (*TenantSubscription, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	sub := d.TenantSubscription
	sub.TenantID = id
	return &sub, nil
}

// EnsureIndexes creates the lookup indexes used by billing reconciliation and the period reset.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "externalCustomerRef", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "externalSubscriptionRef", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "usage.lastResetDate", Value: 1}},
		},
	})
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, sub *TenantSubscription) error {
	doc := subscriptionDocument{ID: sub.TenantID.String(), TenantSubscription: *sub.Clone()}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return errors.Join(ErrStore, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, tenantID uuid.UUID) (*TenantSubscription, error) {
	return s.findOne(ctx, idFilter(tenantID))
}

func (s *MongoStore) FindByCustomerRef(ctx context.Context, ref string) (*TenantSubscription, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.D{{Key: "externalCustomerRef", Value: ref}})
}

func (s *MongoStore) FindBySubscriptionRef(ctx context.Context, ref string) (*TenantSubscription, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.D{{Key: "externalSubscriptionRef", Value: ref}})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (*TenantSubscription, error) {
	var doc subscriptionDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Join(ErrStore, err)
	}
	return doc.subscription()
}

func (s *MongoStore) ApplyPatch(ctx context.Context, tenantID uuid.UUID, p Patch, eventAt time.Time) (Outcome, error) {
	filter, ok := patchFilter(tenantID, p, eventAt)
	if !ok {
		// No status can satisfy the patch; only existence matters.
		if _, err := s.Get(ctx, tenantID); err != nil {
			return 0, err
		}
		return SkippedTransition, nil
	}

	res, err := s.coll.UpdateOne(ctx, filter, patchUpdate(p, eventAt, s.now()))
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	if res.MatchedCount > 0 {
		return Applied, nil
	}

	// Work out which guard refused the update.
	current, err := s.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if !eventAt.IsZero() && current.LastEventAt != nil && current.LastEventAt.After(eventAt) {
		return SkippedStale, nil
	}
	return SkippedTransition, nil
}

func (s *MongoStore) Increment(ctx context.Context, tenantID uuid.UUID, counter Counter, delta float64) (*TenantSubscription, error) {
	if !counter.Valid() {
		return nil, ErrUnknownCounter
	}

	var doc subscriptionDocument
	err := s.coll.FindOneAndUpdate(ctx,
		idFilter(tenantID),
		incrementPipeline(counter, delta, s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Join(ErrStore, err)
	}
	return doc.subscription()
}

func (s *MongoStore) IncrementWithinLimit(ctx context.Context, tenantID uuid.UUID, counter Counter, delta float64) (bool, *TenantSubscription, error) {
	if !counter.Valid() {
		return false, nil, ErrUnknownCounter
	}

	var doc subscriptionDocument
	err := s.coll.FindOneAndUpdate(ctx,
		withinLimitFilter(tenantID, counter, delta),
		incrementPipeline(counter, delta, s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case err == nil:
		sub, err := doc.subscription()
		return err == nil, sub, err
	case errors.Is(err, mongo.ErrNoDocuments):
		// Either the tenant is missing or the limit refused the increment.
		sub, err := s.Get(ctx, tenantID)
		if err != nil {
			return false, nil, err
		}
		return false, sub, nil
	default:
		return false, nil, errors.Join(ErrStore, err)
	}
}

func (s *MongoStore) ResetPeriod(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx, periodFilter(cutoff), periodReset(now))
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) ResetTenantPeriod(ctx context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error) {
	filter := append(idFilter(tenantID), periodFilter(cutoff)...)
	res, err := s.coll.UpdateOne(ctx, filter, periodReset(now))
	if err != nil {
		return false, errors.Join(ErrStore, err)
	}
	return res.ModifiedCount > 0, nil
}

func idFilter(tenantID uuid.UUID) bson.D {
	return bson.D{{Key: "_id", Value: tenantID.String()}}
}

func usageField(c Counter) string {
	switch c {
	case CounterUsers:
		return "usage.currentUsers"
	case CounterClients:
		return "usage.currentClients"
	case CounterWorkOrders:
		return "usage.workOrdersThisMonth"
	case CounterSms:
		return "usage.smsThisMonth"
	case CounterStorage:
		return "usage.storageUsedGB"
	}
	return ""
}

func limitField(c Counter) string {
	switch c {
	case CounterUsers:
		return "limits.maxUsers"
	case CounterClients:
		return "limits.maxClients"
	case CounterWorkOrders:
		return "limits.maxWorkOrdersPerMonth"
	case CounterSms:
		return "limits.maxSmsPerMonth"
	case CounterStorage:
		return "limits.maxStorageGB"
	}
	return ""
}

// incValue keeps integer counters stored as integers.
func incValue(c Counter, delta float64) any {
	if c.Fractional() {
		return delta
	}
	return int64(delta)
}

func zeroValue(c Counter) any {
	if c.Fractional() {
		return 0.0
	}
	return int64(0)
}

// incrementPipeline adds delta to the counter and clamps the result at zero.
func incrementPipeline(c Counter, delta float64, now time.Time) bson.A {
	field := usageField(c)
	return bson.A{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: field, Value: bson.D{{Key: "$max", Value: bson.A{
				zeroValue(c),
				bson.D{{Key: "$add", Value: bson.A{"$" + field, incValue(c, delta)}}},
			}}}},
			{Key: "updatedAt", Value: now.UTC()},
		}}},
	}
}

// withinLimitFilter matches the tenant only when the increment fits the
// document's stored limit. The -1 sentinel short-circuits before any arithmetic.
func withinLimitFilter(tenantID uuid.UUID, c Counter, delta float64) bson.D {
	filter := idFilter(tenantID)
	if delta <= 0 {
		return filter
	}
	limit := "$" + limitField(c)
	return append(filter, bson.E{Key: "$expr", Value: bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{limit, int64(-1)}}},
		bson.D{{Key: "$lte", Value: bson.A{
			bson.D{{Key: "$add", Value: bson.A{"$" + usageField(c), incValue(c, delta)}}},
			limit,
		}}},
	}}}})
}

// patchFilter returns false when no current status could satisfy the patch.
func patchFilter(tenantID uuid.UUID, p Patch, eventAt time.Time) (bson.D, bool) {
	filter := idFilter(tenantID)
	if allowed := p.AllowedFrom(); allowed != nil {
		if len(allowed) == 0 {
			return nil, false
		}
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: allowed}}})
	}
	if !eventAt.IsZero() {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "lastEventAt", Value: nil}},
			bson.D{{Key: "lastEventAt", Value: bson.D{{Key: "$lte", Value: eventAt.UTC()}}}},
		}})
	}
	return filter, true
}

func patchUpdate(p Patch, eventAt, now time.Time) bson.D {
	set := bson.D{{Key: "updatedAt", Value: now.UTC()}}
	unset := bson.D{}

	setOrUnset := func(key string, value *string) {
		if value == nil {
			return
		}
		if *value == "" {
			unset = append(unset, bson.E{Key: key, Value: ""})
			return
		}
		set = append(set, bson.E{Key: key, Value: *value})
	}

	if p.Plan != nil {
		set = append(set, bson.E{Key: "plan", Value: *p.Plan})
	}
	if p.Limits != nil {
		set = append(set, bson.E{Key: "limits", Value: p.Limits.Clone()})
	}
	if p.Status != nil {
		set = append(set, bson.E{Key: "status", Value: *p.Status})
	}
	if p.BillingCycle != nil {
		set = append(set, bson.E{Key: "billingCycle", Value: *p.BillingCycle})
	}
	if p.SetTrialEnd {
		if p.TrialEndDate == nil {
			unset = append(unset, bson.E{Key: "trialEndDate", Value: ""})
		} else {
			set = append(set, bson.E{Key: "trialEndDate", Value: p.TrialEndDate.UTC()})
		}
	}
	setOrUnset("externalCustomerRef", p.CustomerRef)
	setOrUnset("externalSubscriptionRef", p.SubscriptionRef)
	setOrUnset("externalPriceRef", p.PriceRef)
	if p.ResetUsageAt != nil {
		set = append(set, bson.E{Key: "usage", Value: ZeroUsage(*p.ResetUsageAt)})
	}
	if p.Reason != "" {
		set = append(set, bson.E{Key: "lastTransition", Value: p.Reason})
	}
	if !eventAt.IsZero() {
		set = append(set, bson.E{Key: "lastEventAt", Value: eventAt.UTC()})
	}

	update := bson.D{{Key: "$set", Value: set}}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	return update
}

func periodFilter(cutoff time.Time) bson.D {
	return bson.D{{Key: "usage.lastResetDate", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}}
}

func periodReset(now time.Time) bson.D {
	now = now.UTC()
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "usage.workOrdersThisMonth", Value: int64(0)},
		{Key: "usage.smsThisMonth", Value: int64(0)},
		{Key: "usage.lastResetDate", Value: now},
		{Key: "updatedAt", Value: now},
	}}}
}
