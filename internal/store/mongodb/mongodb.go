// Package mongodb is the document-store backend. Multi-document commits run inside
// session.WithTransaction, so the server must be a replica set or sharded cluster.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

const (
	colBranches      = "branches"
	colTemplates     = "templates"
	colItems         = "replacement_items"
	colOrders        = "orders"
	colDeliveryNotes = "delivery_notes"
	colAuditLogs     = "audit_logs"
	colUsers         = "users"
	colCounters      = "counters"

	writeConflictCode = 112
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, uri string, database string) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMaxPoolSize(100)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, mapErr(fmt.Errorf("connect to mongodb: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, mapErr(fmt.Errorf("ping mongodb: %w", err))
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the indexes the queue and draft lookups rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(colItems).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "reported_at", Value: 1}, {Key: "seq", Value: 1}}},
	})
	if err != nil {
		return mapErr(err)
	}
	_, err = s.db.Collection(colOrders).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "from_branch_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return mapErr(err)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) withTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return mapErr(fmt.Errorf("start session: %w", err))
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return mapErr(err)
}

func (s *Store) UpsertBranch(ctx context.Context, branch domain.Branch) error {
	if strings.TrimSpace(branch.ID) == "" {
		return store.ErrInvalidTransaction
	}
	if branch.Kind == "" {
		branch.Kind = domain.BranchStore
	}
	_, err := s.db.Collection(colBranches).ReplaceOne(ctx, bson.M{"_id": branch.ID}, branch, options.Replace().SetUpsert(true))
	return mapErr(err)
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	var b domain.Branch
	if err := s.db.Collection(colBranches).FindOne(ctx, bson.M{"_id": branchID}).Decode(&b); err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) GetFactoryBranch(ctx context.Context) (*domain.Branch, error) {
	var b domain.Branch
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	if err := s.db.Collection(colBranches).FindOne(ctx, bson.M{"kind": domain.BranchFactory}, opts).Decode(&b); err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	out := make([]domain.Branch, 0, 8)
	err := findAll(ctx, s.db.Collection(colBranches), bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &out)
	return out, err
}

func (s *Store) CreateTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error) {
	if strings.TrimSpace(tpl.Name) == "" || len(tpl.Items) == 0 || len(tpl.DestinationBranchIDs) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if tpl.ID == "" {
		tpl.ID = xid.New("tpl")
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.Collection(colTemplates).InsertOne(ctx, tpl); err != nil {
		return nil, mapErr(err)
	}
	saved := tpl
	return &saved, nil
}

func (s *Store) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	var tpl domain.Template
	if err := s.db.Collection(colTemplates).FindOne(ctx, bson.M{"_id": templateID}).Decode(&tpl); err != nil {
		return nil, notFound(err)
	}
	return &tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	out := make([]domain.Template, 0, 8)
	err := findAll(ctx, s.db.Collection(colTemplates), bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}), &out)
	return out, err
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": colItems},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, mapErr(err)
	}
	return counter.Seq, nil
}

func (s *Store) insertItem(ctx context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
	if item.BranchID == "" || item.ProductID == "" || item.Quantity < 1 || !item.Status.Valid() || !item.Priority.Valid() {
		return nil, store.ErrInvalidTransaction
	}
	if item.ID == "" {
		item.ID = xid.New("rep")
	}
	if item.ReportedAt.IsZero() {
		item.ReportedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.ReportedAt
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return nil, err
	}
	item.Seq = seq
	if _, err := s.db.Collection(colItems).InsertOne(ctx, item); err != nil {
		return nil, mapErr(err)
	}
	return &item, nil
}

func (s *Store) CreateReplacementItem(ctx context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
	return s.insertItem(ctx, item)
}

func (s *Store) GetReplacementItem(ctx context.Context, itemID string) (*domain.ReplacementItem, error) {
	var item domain.ReplacementItem
	if err := s.db.Collection(colItems).FindOne(ctx, bson.M{"_id": itemID}).Decode(&item); err != nil {
		return nil, notFound(err)
	}
	return normalizeItem(item), nil
}

func (s *Store) ListReplacementItems(ctx context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "reported_at", Value: 1}, {Key: "seq", Value: 1}, {Key: "_id", Value: 1}})
	out := make([]domain.ReplacementItem, 0, 32)
	if err := findAll(ctx, s.db.Collection(colItems), itemFilter(filter), opts, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = *normalizeItem(out[i])
	}
	return out, nil
}

func itemFilter(filter store.ReplacementItemFilter) bson.M {
	q := bson.M{}
	if len(filter.IDs) > 0 {
		q["_id"] = bson.M{"$in": filter.IDs}
	}
	if filter.BranchID != "" {
		q["branch_id"] = filter.BranchID
	}
	if filter.ProductID != "" {
		q["product_id"] = filter.ProductID
	}
	if filter.Priority != "" {
		q["priority"] = filter.Priority
	}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.CarriedByOrderID != "" {
		q["carried_by_order_id"] = filter.CarriedByOrderID
	}
	return q
}

// notCarried matches items no order carries; omitempty leaves the field absent.
var notCarried = bson.M{"$in": bson.A{nil, ""}}

func (s *Store) TransitionReplacementItem(ctx context.Context, itemID string, from domain.ItemStatus, to domain.ItemStatus, at time.Time) (*domain.ReplacementItem, error) {
	item, err := s.GetReplacementItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != from {
		return nil, store.ErrConflict
	}
	store.ApplyTransition(item, to, at)
	res, err := s.db.Collection(colItems).ReplaceOne(ctx, bson.M{"_id": itemID, "status": from}, item)
	if err != nil {
		return nil, mapErr(err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrConflict
	}
	return item, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	return s.insertOrder(ctx, order)
}

func (s *Store) insertOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.FromBranchID == "" || order.ToBranchID == "" || !order.Status.Valid() {
		return nil, store.ErrInvalidTransaction
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Kind == "" {
		order.Kind = domain.OrderKindRegular
	}
	if order.Items == nil {
		order.Items = []domain.OrderLine{}
	}
	order.UpdatedAt = order.CreatedAt
	order.Version = 1
	if _, err := s.db.Collection(colOrders).InsertOne(ctx, order); err != nil {
		return nil, mapErr(err)
	}
	saved := order
	return &saved, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	if err := s.db.Collection(colOrders).FindOne(ctx, bson.M{"_id": orderID}).Decode(&order); err != nil {
		return nil, notFound(err)
	}
	return normalizeOrder(order), nil
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	q := bson.M{}
	if filter.FromBranchID != "" {
		q["from_branch_id"] = filter.FromBranchID
	}
	if filter.ToBranchID != "" {
		q["to_branch_id"] = filter.ToBranchID
	}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	out := make([]domain.Order, 0, 16)
	if err := findAll(ctx, s.db.Collection(colOrders), q, opts, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = *normalizeOrder(out[i])
	}
	return out, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}
	set := bson.M{"status": to, "updated_at": at}
	if to == domain.OrderSent && order.SentAt == nil {
		set["sent_at"] = at
		stamp := at
		order.SentAt = &stamp
	}
	res, err := s.db.Collection(colOrders).UpdateOne(ctx,
		bson.M{"_id": orderID, "status": from, "version": order.Version},
		bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}},
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrConflict
	}
	order.Status = to
	order.UpdatedAt = at
	order.Version++
	return order, nil
}

// guardOrder applies update to the order only if it still matches cond and the expected version.
func (s *Store) guardOrder(sessCtx mongo.SessionContext, orderID string, cond bson.M, expectedVersion int64, update bson.M) error {
	filter := bson.M{"_id": orderID, "version": expectedVersion}
	for k, v := range cond {
		filter[k] = v
	}
	update["$inc"] = bson.M{"version": int64(1)}
	res, err := s.db.Collection(colOrders).UpdateOne(sessCtx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		var existing domain.Order
		if err := s.db.Collection(colOrders).FindOne(sessCtx, bson.M{"_id": orderID}).Decode(&existing); err != nil {
			return notFound(err)
		}
		return store.ErrConflict
	}
	return nil
}

// guardItems applies update to every listed item that still matches cond. Any miss aborts.
func (s *Store) guardItems(sessCtx mongo.SessionContext, ids []string, cond bson.M, update bson.M) error {
	for _, id := range ids {
		filter := bson.M{"_id": id}
		for k, v := range cond {
			filter[k] = v
		}
		res, err := s.db.Collection(colItems).UpdateOne(sessCtx, filter, update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			count, err := s.db.Collection(colItems).CountDocuments(sessCtx, bson.M{"_id": id})
			if err != nil {
				return err
			}
			if count == 0 {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
	}
	return nil
}

func (s *Store) CommitMerge(ctx context.Context, commit store.MergeCommit) (*domain.Order, error) {
	var saved *domain.Order
	err := s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if err := s.guardOrder(sessCtx, commit.OrderID, bson.M{"status": domain.OrderDraft}, commit.ExpectedVersion, bson.M{
			"$set": bson.M{"items": commit.Lines, "updated_at": commit.MergedAt},
		}); err != nil {
			return err
		}
		if err := s.guardItems(sessCtx, commit.ItemIDs,
			bson.M{"status": bson.M{"$in": bson.A{domain.ItemPending, domain.ItemInQueue}}, "carried_by_order_id": notCarried},
			bson.M{"$set": bson.M{
				"status":               domain.ItemMerged,
				"merged_at":            commit.MergedAt,
				"merged_into_order_id": commit.OrderID,
				"updated_at":           commit.MergedAt,
			}},
		); err != nil {
			return err
		}
		var order domain.Order
		if err := s.db.Collection(colOrders).FindOne(sessCtx, bson.M{"_id": commit.OrderID}).Decode(&order); err != nil {
			return err
		}
		saved = normalizeOrder(order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) CommitUrgentOrder(ctx context.Context, order domain.Order, itemIDs []string, at time.Time) (*domain.Order, error) {
	var saved *domain.Order
	err := s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		created, err := s.insertOrder(sessCtx, order)
		if err != nil {
			return err
		}
		if err := s.guardItems(sessCtx, itemIDs,
			bson.M{"priority": domain.PriorityUrgent, "status": domain.ItemPending, "carried_by_order_id": notCarried},
			bson.M{"$set": bson.M{
				"status":              domain.ItemInQueue,
				"carried_by_order_id": created.ID,
				"updated_at":          at,
			}},
		); err != nil {
			return err
		}
		saved = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) CommitReception(ctx context.Context, commit store.ReceptionCommit) (*domain.Order, []domain.ReplacementItem, error) {
	var saved *domain.Order
	var created []domain.ReplacementItem
	err := s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		created = make([]domain.ReplacementItem, 0, len(commit.NewItems))
		if err := s.guardOrder(sessCtx, commit.OrderID, bson.M{"status": bson.M{"$in": store.ReceivableStatuses}}, commit.ExpectedVersion, bson.M{
			"$set": bson.M{"status": domain.OrderReceived, "received_at": commit.ReceivedAt, "updated_at": commit.ReceivedAt},
		}); err != nil {
			return err
		}
		note := commit.Note
		if note.ID == "" {
			note.ID = xid.New("dn")
		}
		note.OrderID = commit.OrderID
		if note.ReceivedAt.IsZero() {
			note.ReceivedAt = commit.ReceivedAt
		}
		if _, err := s.db.Collection(colDeliveryNotes).InsertOne(sessCtx, note); err != nil {
			return err
		}
		if err := s.guardItems(sessCtx, commit.CompleteItemIDs,
			bson.M{"carried_by_order_id": commit.OrderID, "status": bson.M{"$nin": bson.A{domain.ItemMerged, domain.ItemCompleted, domain.ItemCancelled}}},
			bson.M{"$set": bson.M{"status": domain.ItemCompleted, "completed_at": commit.ReceivedAt, "updated_at": commit.ReceivedAt}},
		); err != nil {
			return err
		}
		for _, item := range commit.NewItems {
			inserted, err := s.insertItem(sessCtx, item)
			if err != nil {
				return err
			}
			created = append(created, *inserted)
		}
		var order domain.Order
		if err := s.db.Collection(colOrders).FindOne(sessCtx, bson.M{"_id": commit.OrderID}).Decode(&order); err != nil {
			return err
		}
		saved = normalizeOrder(order)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return saved, created, nil
}

func (s *Store) CommitOrderCancellation(ctx context.Context, commit store.CancellationCommit) (*domain.Order, []domain.ReplacementItem, error) {
	var saved *domain.Order
	var created []domain.ReplacementItem
	err := s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		created = make([]domain.ReplacementItem, 0, len(commit.Reissued))
		if err := s.guardOrder(sessCtx, commit.OrderID, bson.M{"status": bson.M{"$in": store.CancellableStatuses}}, commit.ExpectedVersion, bson.M{
			"$set": bson.M{"status": domain.OrderCancelled, "updated_at": commit.CancelledAt},
		}); err != nil {
			return err
		}
		if err := s.guardItems(sessCtx, commit.CancelItemIDs,
			bson.M{"carried_by_order_id": commit.OrderID, "status": bson.M{"$nin": bson.A{domain.ItemMerged, domain.ItemCompleted, domain.ItemCancelled}}},
			bson.M{"$set": bson.M{"status": domain.ItemCancelled, "cancelled_at": commit.CancelledAt, "updated_at": commit.CancelledAt}},
		); err != nil {
			return err
		}
		for _, item := range commit.Reissued {
			inserted, err := s.insertItem(sessCtx, item)
			if err != nil {
				return err
			}
			created = append(created, *inserted)
		}
		var order domain.Order
		if err := s.db.Collection(colOrders).FindOne(sessCtx, bson.M{"_id": commit.OrderID}).Decode(&order); err != nil {
			return err
		}
		saved = normalizeOrder(order)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return saved, created, nil
}

func (s *Store) ListDeliveryNotes(ctx context.Context, branchID string, limit int) ([]domain.DeliveryNote, error) {
	q := bson.M{}
	if branchID != "" {
		q["$or"] = bson.A{bson.M{"from_branch_id": branchID}, bson.M{"to_branch_id": branchID}}
	}
	out := make([]domain.DeliveryNote, 0, 16)
	err := findAll(ctx, s.db.Collection(colDeliveryNotes), q, options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit))), &out)
	return out, err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(colAuditLogs).InsertOne(ctx, entry)
	return mapErr(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	q := bson.M{}
	if branchID != "" {
		q["branch_id"] = branchID
	}
	out := make([]domain.AuditLog, 0, 16)
	err := findAll(ctx, s.db.Collection(colAuditLogs), q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit))), &out)
	return out, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleBranch
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	_, err := s.db.Collection(colUsers).InsertOne(ctx, user)
	return mapErr(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	out := make([]domain.UserAccount, 0, 16)
	err := findAll(ctx, s.db.Collection(colUsers), bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &out)
	return out, err
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.Collection(colUsers).UpdateOne(ctx, bson.M{"_id": username}, bson.M{"$set": bson.M{"password": password}})
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func findAll(ctx context.Context, col *mongo.Collection, filter bson.M, opts *options.FindOptions, out any) error {
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(cursor.All(ctx, out))
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return mapErr(err)
}

// mapErr maps duplicate keys to ErrInvalidTransaction, write conflicts to ErrConflict and
// network or timeout faults to ErrUnavailable. Errors already mapped pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrInvalidTransaction) || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrInvalidTransaction
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(writeConflictCode) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func normalizeItem(item domain.ReplacementItem) *domain.ReplacementItem {
	item.ReportedAt = item.ReportedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.MergedAt = utcPtr(item.MergedAt)
	item.CompletedAt = utcPtr(item.CompletedAt)
	item.CancelledAt = utcPtr(item.CancelledAt)
	return &item
}

func normalizeOrder(order domain.Order) *domain.Order {
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.SentAt = utcPtr(order.SentAt)
	order.ReceivedAt = utcPtr(order.ReceivedAt)
	return &order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
