package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, mapErr(err)
	}

	return &Store{db: db}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return mapErr(err)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = `id, seq, branch_id, product_id, product_name, unit, quantity, priority, status, reason,
	source_order_id, carried_by_order_id, merged_into_order_id,
	reported_at, merged_at, completed_at, cancelled_at, updated_at`

const orderColumns = `id, kind, status, from_branch_id, to_branch_id, items, allowed_send_days,
	template_id, parent_order_id, notes, created_by, created_at, updated_at, sent_at, received_at, version`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) UpsertBranch(ctx context.Context, branch domain.Branch) error {
	if strings.TrimSpace(branch.ID) == "" {
		return store.ErrInvalidTransaction
	}
	if branch.Kind == "" {
		branch.Kind = domain.BranchStore
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, kind)
		VALUES ($1,$2,$3)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind
	`, branch.ID, branch.Name, string(branch.Kind))
	return mapErr(err)
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind FROM branches WHERE id = $1
	`, branchID).Scan(&b.ID, &b.Name, &b.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return &b, nil
}

func (s *Store) GetFactoryBranch(ctx context.Context) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind FROM branches WHERE kind = $1 ORDER BY id ASC LIMIT 1
	`, string(domain.BranchFactory)).Scan(&b.ID, &b.Name, &b.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return &b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind FROM branches ORDER BY id ASC`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Kind); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return branches, nil
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
	items, err := json.Marshal(tpl.Items)
	if err != nil {
		return nil, err
	}
	destinations, err := json.Marshal(tpl.DestinationBranchIDs)
	if err != nil {
		return nil, err
	}
	days, err := marshalDays(tpl.AllowedSendDays)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, items, destination_branch_ids, allowed_send_days, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tpl.ID, tpl.Name, items, destinations, days, tpl.CreatedBy, tpl.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, mapErr(err)
	}
	saved := tpl
	return &saved, nil
}

func (s *Store) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	tpl, err := scanTemplate(s.db.QueryRowContext(ctx, `
		SELECT id, name, items, destination_branch_ids, allowed_send_days, created_by, created_at
		FROM templates WHERE id = $1
	`, templateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, items, destination_branch_ids, allowed_send_days, created_by, created_at
		FROM templates ORDER BY name ASC
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	templates := make([]domain.Template, 0, 8)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return templates, nil
}

func scanTemplate(row scanner) (*domain.Template, error) {
	var tpl domain.Template
	var items, destinations, days []byte
	if err := row.Scan(&tpl.ID, &tpl.Name, &items, &destinations, &days, &tpl.CreatedBy, &tpl.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &tpl.Items); err != nil {
		return nil, fmt.Errorf("decode template items: %w", err)
	}
	if err := json.Unmarshal(destinations, &tpl.DestinationBranchIDs); err != nil {
		return nil, fmt.Errorf("decode template destinations: %w", err)
	}
	parsed, err := unmarshalDays(days)
	if err != nil {
		return nil, err
	}
	tpl.AllowedSendDays = parsed
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	return &tpl, nil
}

func (s *Store) CreateReplacementItem(ctx context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
	saved, err := insertItem(ctx, s.db, item)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertItem(ctx context.Context, q execQuerier, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
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

	err := q.QueryRowContext(ctx, `
		INSERT INTO replacement_items (
			id, branch_id, product_id, product_name, unit, quantity, priority, status, reason,
			source_order_id, carried_by_order_id, merged_into_order_id, reported_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq
	`, item.ID, item.BranchID, item.ProductID, item.ProductName, item.Unit, item.Quantity,
		string(item.Priority), string(item.Status), item.Reason,
		nullIfEmpty(item.SourceOrderID), nullIfEmpty(item.CarriedByOrderID), nullIfEmpty(item.MergedIntoOrderID),
		item.ReportedAt, item.UpdatedAt,
	).Scan(&item.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, mapErr(err)
	}
	return &item, nil
}

func (s *Store) GetReplacementItem(ctx context.Context, itemID string) (*domain.ReplacementItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM replacement_items WHERE id = $1`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return item, nil
}

func (s *Store) ListReplacementItems(ctx context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	where, args := itemWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM replacement_items
		`+where+`
		ORDER BY reported_at ASC, seq ASC, id ASC
	`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func itemWhere(filter store.ReplacementItemFilter) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 6)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}
	if filter.BranchID != "" {
		add("branch_id = $%d", filter.BranchID)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Priority != "" {
		add("priority = $%d", string(filter.Priority))
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", itemStatusStrings(filter.Statuses))
	}
	if filter.CarriedByOrderID != "" {
		add("carried_by_order_id = $%d", filter.CarriedByOrderID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func collectItems(rows *sql.Rows) ([]domain.ReplacementItem, error) {
	items := make([]domain.ReplacementItem, 0, 32)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return items, nil
}

func scanItem(row scanner) (*domain.ReplacementItem, error) {
	var item domain.ReplacementItem
	var sourceOrderID, carriedBy, mergedInto sql.NullString
	var mergedAt, completedAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.Seq,
		&item.BranchID,
		&item.ProductID,
		&item.ProductName,
		&item.Unit,
		&item.Quantity,
		&item.Priority,
		&item.Status,
		&item.Reason,
		&sourceOrderID,
		&carriedBy,
		&mergedInto,
		&item.ReportedAt,
		&mergedAt,
		&completedAt,
		&cancelledAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.SourceOrderID = sourceOrderID.String
	item.CarriedByOrderID = carriedBy.String
	item.MergedIntoOrderID = mergedInto.String
	item.ReportedAt = item.ReportedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.MergedAt = timePtr(mergedAt)
	item.CompletedAt = timePtr(completedAt)
	item.CancelledAt = timePtr(cancelledAt)
	return &item, nil
}

func (s *Store) TransitionReplacementItem(ctx context.Context, itemID string, from domain.ItemStatus, to domain.ItemStatus, at time.Time) (*domain.ReplacementItem, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM replacement_items WHERE id = $1 FOR UPDATE`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	if item.Status != from {
		return nil, store.ErrConflict
	}
	store.ApplyTransition(item, to, at)
	if err := updateItemState(ctx, tx, *item); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return item, nil
}

func updateItemState(ctx context.Context, tx *sql.Tx, item domain.ReplacementItem) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE replacement_items
		SET status = $2,
			carried_by_order_id = $3,
			merged_into_order_id = $4,
			merged_at = $5,
			completed_at = $6,
			cancelled_at = $7,
			updated_at = $8
		WHERE id = $1
	`, item.ID, string(item.Status), nullIfEmpty(item.CarriedByOrderID), nullIfEmpty(item.MergedIntoOrderID),
		nullTime(item.MergedAt), nullTime(item.CompletedAt), nullTime(item.CancelledAt), item.UpdatedAt)
	return mapErr(err)
}

// lockItems locks every listed item. A missing item is ErrNotFound.
func lockItems(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.ReplacementItem, error) {
	out := make(map[string]domain.ReplacementItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM replacement_items
		WHERE id = ANY($1)
		ORDER BY id ASC
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	items, err := collectItems(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.ID] = item
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, store.ErrNotFound
		}
	}
	return out, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	return insertOrder(ctx, s.db, order)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOrder(ctx context.Context, db execer, order domain.Order) (*domain.Order, error) {
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

	lines, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}
	days, err := marshalDays(order.AllowedSendDays)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO orders (
			id, kind, status, from_branch_id, to_branch_id, items, allowed_send_days,
			template_id, parent_order_id, notes, created_by, created_at, updated_at, sent_at, received_at, version
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, order.ID, string(order.Kind), string(order.Status), order.FromBranchID, order.ToBranchID, lines, days,
		nullIfEmpty(order.TemplateID), nullIfEmpty(order.ParentOrderID), order.Notes, order.CreatedBy,
		order.CreatedAt, order.UpdatedAt, nullTime(order.SentAt), nullTime(order.ReceivedAt), order.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, mapErr(err)
	}
	saved := order
	return &saved, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.FromBranchID != "" {
		args = append(args, filter.FromBranchID)
		clauses = append(clauses, fmt.Sprintf("from_branch_id = $%d", len(args)))
	}
	if filter.ToBranchID != "" {
		args = append(args, filter.ToBranchID)
		clauses = append(clauses, fmt.Sprintf("to_branch_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := ""
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		limit = fmt.Sprintf("LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		`+where+`
		ORDER BY created_at ASC, id ASC
		`+limit, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return orders, nil
}

func scanOrder(row scanner) (*domain.Order, error) {
	var order domain.Order
	var lines, days []byte
	var templateID, parentOrderID sql.NullString
	var sentAt, receivedAt sql.NullTime
	if err := row.Scan(
		&order.ID,
		&order.Kind,
		&order.Status,
		&order.FromBranchID,
		&order.ToBranchID,
		&lines,
		&days,
		&templateID,
		&parentOrderID,
		&order.Notes,
		&order.CreatedBy,
		&order.CreatedAt,
		&order.UpdatedAt,
		&sentAt,
		&receivedAt,
		&order.Version,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &order.Items); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	parsed, err := unmarshalDays(days)
	if err != nil {
		return nil, err
	}
	order.AllowedSendDays = parsed
	order.TemplateID = templateID.String
	order.ParentOrderID = parentOrderID.String
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.SentAt = timePtr(sentAt)
	order.ReceivedAt = timePtr(receivedAt)
	return &order, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapErr(err)
	}
	return order, nil
}

func saveOrderState(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	lines, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, items = $3, updated_at = $4, sent_at = $5, received_at = $6, version = $7
		WHERE id = $1
	`, order.ID, string(order.Status), lines, order.UpdatedAt, nullTime(order.SentAt), nullTime(order.ReceivedAt), order.Version)
	return mapErr(err)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}
	order.Status = to
	order.UpdatedAt = at
	order.Version++
	if to == domain.OrderSent && order.SentAt == nil {
		stamp := at
		order.SentAt = &stamp
	}
	if err := saveOrderState(ctx, tx, *order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return order, nil
}

func (s *Store) CommitMerge(ctx context.Context, commit store.MergeCommit) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, commit.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderDraft || order.Version != commit.ExpectedVersion {
		return nil, store.ErrConflict
	}
	items, err := lockItems(ctx, tx, commit.ItemIDs)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if !item.Status.Mergeable() || item.Carried() {
			return nil, store.ErrConflict
		}
	}

	order.Items = commit.Lines
	order.Version++
	order.UpdatedAt = commit.MergedAt
	if err := saveOrderState(ctx, tx, *order); err != nil {
		return nil, err
	}
	for _, id := range commit.ItemIDs {
		item := items[id]
		store.ApplyTransition(&item, domain.ItemMerged, commit.MergedAt)
		item.MergedIntoOrderID = order.ID
		if err := updateItemState(ctx, tx, item); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return order, nil
}

func (s *Store) CommitUrgentOrder(ctx context.Context, order domain.Order, itemIDs []string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := lockItems(ctx, tx, itemIDs)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Priority != domain.PriorityUrgent || item.Status != domain.ItemPending || item.Carried() {
			return nil, store.ErrConflict
		}
	}
	saved, err := insertOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	for _, id := range itemIDs {
		item := items[id]
		store.ApplyTransition(&item, domain.ItemInQueue, at)
		item.CarriedByOrderID = saved.ID
		if err := updateItemState(ctx, tx, item); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return saved, nil
}

func (s *Store) CommitReception(ctx context.Context, commit store.ReceptionCommit) (*domain.Order, []domain.ReplacementItem, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, commit.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if !containsOrderStatus(store.ReceivableStatuses, order.Status) || order.Version != commit.ExpectedVersion {
		return nil, nil, store.ErrConflict
	}
	items, err := lockItems(ctx, tx, commit.CompleteItemIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, item := range items {
		if item.CarriedByOrderID != order.ID || item.Status.Terminal() {
			return nil, nil, store.ErrConflict
		}
	}

	note := commit.Note
	if note.ID == "" {
		note.ID = xid.New("dn")
	}
	note.OrderID = order.ID
	if note.ReceivedAt.IsZero() {
		note.ReceivedAt = commit.ReceivedAt
	}
	noteLines, err := json.Marshal(note.Lines)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_notes (id, order_id, from_branch_id, to_branch_id, lines, received_by, received_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, note.ID, note.OrderID, note.FromBranchID, note.ToBranchID, noteLines, note.ReceivedBy, note.ReceivedAt, note.Notes); err != nil {
		return nil, nil, mapErr(err)
	}

	receivedAt := commit.ReceivedAt
	order.Status = domain.OrderReceived
	order.ReceivedAt = &receivedAt
	order.UpdatedAt = receivedAt
	order.Version++
	if err := saveOrderState(ctx, tx, *order); err != nil {
		return nil, nil, err
	}
	for _, id := range commit.CompleteItemIDs {
		item := items[id]
		store.ApplyTransition(&item, domain.ItemCompleted, receivedAt)
		if err := updateItemState(ctx, tx, item); err != nil {
			return nil, nil, err
		}
	}
	created := make([]domain.ReplacementItem, 0, len(commit.NewItems))
	for _, item := range commit.NewItems {
		saved, err := insertItem(ctx, tx, item)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, *saved)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapErr(err)
	}
	return order, created, nil
}

func (s *Store) CommitOrderCancellation(ctx context.Context, commit store.CancellationCommit) (*domain.Order, []domain.ReplacementItem, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, commit.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if !containsOrderStatus(store.CancellableStatuses, order.Status) || order.Version != commit.ExpectedVersion {
		return nil, nil, store.ErrConflict
	}
	items, err := lockItems(ctx, tx, commit.CancelItemIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, item := range items {
		if item.CarriedByOrderID != order.ID || item.Status.Terminal() {
			return nil, nil, store.ErrConflict
		}
	}

	order.Status = domain.OrderCancelled
	order.UpdatedAt = commit.CancelledAt
	order.Version++
	if err := saveOrderState(ctx, tx, *order); err != nil {
		return nil, nil, err
	}
	for _, id := range commit.CancelItemIDs {
		item := items[id]
		store.ApplyTransition(&item, domain.ItemCancelled, commit.CancelledAt)
		if err := updateItemState(ctx, tx, item); err != nil {
			return nil, nil, err
		}
	}
	created := make([]domain.ReplacementItem, 0, len(commit.Reissued))
	for _, item := range commit.Reissued {
		saved, err := insertItem(ctx, tx, item)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, *saved)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapErr(err)
	}
	return order, created, nil
}

func (s *Store) ListDeliveryNotes(ctx context.Context, branchID string, limit int) ([]domain.DeliveryNote, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_branch_id, to_branch_id, lines, received_by, received_at, notes
		FROM delivery_notes
		WHERE ($1 = '' OR from_branch_id = $1 OR to_branch_id = $1)
		ORDER BY received_at DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	notes := make([]domain.DeliveryNote, 0, limit)
	for rows.Next() {
		var note domain.DeliveryNote
		var lines []byte
		if err := rows.Scan(&note.ID, &note.OrderID, &note.FromBranchID, &note.ToBranchID, &lines, &note.ReceivedBy, &note.ReceivedAt, &note.Notes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &note.Lines); err != nil {
			return nil, fmt.Errorf("decode delivery note lines: %w", err)
		}
		note.ReceivedAt = note.ReceivedAt.UTC()
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return notes, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return mapErr(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return logs, nil
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, branch_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,now())
	`, user.Username, user.Password, string(user.Role), user.BranchID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return mapErr(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, branch_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapErr turns connection loss and timeouts into store.ErrUnavailable and lost serialization
// races into store.ErrConflict. Other errors pass through unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case "57P01", "57P03", "53300":
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pgErr.Message)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func containsOrderStatus(values []domain.OrderStatus, target domain.OrderStatus) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func itemStatusStrings(statuses []domain.ItemStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func marshalDays(days []time.Weekday) ([]byte, error) {
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, strings.ToLower(d.String()))
	}
	return json.Marshal(names)
}

func unmarshalDays(raw []byte) ([]time.Weekday, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode send days: %w", err)
	}
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		day, ok := domain.ParseWeekday(name)
		if !ok {
			return nil, fmt.Errorf("decode send days: unknown weekday %q", name)
		}
		days = append(days, day)
	}
	return days, nil
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
