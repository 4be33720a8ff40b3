package memory

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	seq             int64
	branchesByID    map[string]domain.Branch
	templatesByID   map[string]domain.Template
	itemsByID       map[string]domain.ReplacementItem
	ordersByID      map[string]domain.Order
	deliveryNotes   []domain.DeliveryNote
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		branchesByID:    make(map[string]domain.Branch),
		templatesByID:   make(map[string]domain.Template),
		itemsByID:       make(map[string]domain.ReplacementItem),
		ordersByID:      make(map[string]domain.Order),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store holding store.DefaultSeed.
func NewSeeded() *Store {
	s := New()
	seed, usedDefaults, err := store.DefaultSeed(time.Now().UTC())
	if err != nil {
		log.Fatalf("[memory-store] %v", err)
	}
	if usedDefaults {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_BRANCH_PASSWORD to override.")
	}
	if err := store.ApplySeed(context.Background(), s, seed); err != nil {
		log.Fatalf("[memory-store] seed: %v", err)
	}
	return s
}

func (s *Store) UpsertBranch(_ context.Context, branch domain.Branch) error {
	if strings.TrimSpace(branch.ID) == "" {
		return store.ErrInvalidTransaction
	}
	if branch.Kind == "" {
		branch.Kind = domain.BranchStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchesByID[branch.ID] = branch
	return nil
}

func (s *Store) GetBranch(_ context.Context, branchID string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branchesByID[branchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetFactoryBranch(_ context.Context) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Branch
	for _, b := range s.branchesByID {
		if b.Kind != domain.BranchFactory {
			continue
		}
		if found == nil || b.ID < found.ID {
			copyB := b
			found = &copyB
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Branch, 0, len(s.branchesByID))
	for _, b := range s.branchesByID {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.Branch) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) CreateTemplate(_ context.Context, tpl domain.Template) (*domain.Template, error) {
	if strings.TrimSpace(tpl.Name) == "" || len(tpl.Items) == 0 || len(tpl.DestinationBranchIDs) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if tpl.ID == "" {
		tpl.ID = xid.New("tpl")
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templatesByID[tpl.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.templatesByID[tpl.ID] = cloneTemplate(tpl)
	saved := cloneTemplate(tpl)
	return &saved, nil
}

func (s *Store) GetTemplate(_ context.Context, templateID string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templatesByID[templateID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneTemplate(tpl)
	return &dup, nil
}

func (s *Store) ListTemplates(_ context.Context) ([]domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Template, 0, len(s.templatesByID))
	for _, tpl := range s.templatesByID {
		out = append(out, cloneTemplate(tpl))
	}
	slices.SortFunc(out, func(a, b domain.Template) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) CreateReplacementItem(_ context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.insertItemLocked(item)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) insertItemLocked(item domain.ReplacementItem) (domain.ReplacementItem, error) {
	if item.BranchID == "" || item.ProductID == "" || item.Quantity < 1 || !item.Status.Valid() || !item.Priority.Valid() {
		return domain.ReplacementItem{}, store.ErrInvalidTransaction
	}
	if item.ID == "" {
		item.ID = xid.New("rep")
	}
	if _, exists := s.itemsByID[item.ID]; exists {
		return domain.ReplacementItem{}, store.ErrInvalidTransaction
	}
	if item.ReportedAt.IsZero() {
		item.ReportedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.ReportedAt
	s.seq++
	item.Seq = s.seq
	s.itemsByID[item.ID] = item
	return cloneItem(item), nil
}

func (s *Store) GetReplacementItem(_ context.Context, itemID string) (*domain.ReplacementItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.itemsByID[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneItem(item)
	return &dup, nil
}

func (s *Store) ListReplacementItems(_ context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReplacementItem, 0)
	for _, item := range s.itemsByID {
		if filter.Matches(item) {
			out = append(out, cloneItem(item))
		}
	}
	slices.SortFunc(out, domain.CompareReportOrder)
	return out, nil
}

func (s *Store) TransitionReplacementItem(_ context.Context, itemID string, from domain.ItemStatus, to domain.ItemStatus, at time.Time) (*domain.ReplacementItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.itemsByID[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.Status != from {
		return nil, store.ErrConflict
	}
	store.ApplyTransition(&item, to, at)
	s.itemsByID[itemID] = item
	dup := cloneItem(item)
	return &dup, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.insertOrderLocked(order)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) insertOrderLocked(order domain.Order) (domain.Order, error) {
	if order.FromBranchID == "" || order.ToBranchID == "" || !order.Status.Valid() {
		return domain.Order{}, store.ErrInvalidTransaction
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return domain.Order{}, store.ErrInvalidTransaction
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Kind == "" {
		order.Kind = domain.OrderKindRegular
	}
	order.UpdatedAt = order.CreatedAt
	order.Version = 1
	s.ordersByID[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) ListOrders(_ context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0)
	for _, order := range s.ordersByID {
		if filter.Matches(order) {
			out = append(out, cloneOrder(order))
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
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
	s.ordersByID[orderID] = order
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) CommitMerge(_ context.Context, commit store.MergeCommit) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[commit.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderDraft || order.Version != commit.ExpectedVersion {
		return nil, store.ErrConflict
	}
	for _, id := range commit.ItemIDs {
		item, ok := s.itemsByID[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		if !item.Status.Mergeable() || item.Carried() {
			return nil, store.ErrConflict
		}
	}

	order.Items = cloneLines(commit.Lines)
	order.Version++
	order.UpdatedAt = commit.MergedAt
	s.ordersByID[order.ID] = order
	for _, id := range commit.ItemIDs {
		item := s.itemsByID[id]
		store.ApplyTransition(&item, domain.ItemMerged, commit.MergedAt)
		item.MergedIntoOrderID = order.ID
		s.itemsByID[id] = item
	}
	dup := cloneOrder(order)
	return &dup, nil
}

func (s *Store) CommitUrgentOrder(_ context.Context, order domain.Order, itemIDs []string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range itemIDs {
		item, ok := s.itemsByID[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		if item.Priority != domain.PriorityUrgent || item.Status != domain.ItemPending || item.Carried() {
			return nil, store.ErrConflict
		}
	}
	saved, err := s.insertOrderLocked(order)
	if err != nil {
		return nil, err
	}
	for _, id := range itemIDs {
		item := s.itemsByID[id]
		store.ApplyTransition(&item, domain.ItemInQueue, at)
		item.CarriedByOrderID = saved.ID
		s.itemsByID[id] = item
	}
	return &saved, nil
}

func (s *Store) CommitReception(_ context.Context, commit store.ReceptionCommit) (*domain.Order, []domain.ReplacementItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[commit.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if !slices.Contains(store.ReceivableStatuses, order.Status) || order.Version != commit.ExpectedVersion {
		return nil, nil, store.ErrConflict
	}
	for _, id := range commit.CompleteItemIDs {
		item, ok := s.itemsByID[id]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		if item.CarriedByOrderID != order.ID || item.Status.Terminal() {
			return nil, nil, store.ErrConflict
		}
	}
	for _, item := range commit.NewItems {
		if item.BranchID == "" || item.ProductID == "" || item.Quantity < 1 {
			return nil, nil, store.ErrInvalidTransaction
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
	s.deliveryNotes = append(s.deliveryNotes, cloneNote(note))

	receivedAt := commit.ReceivedAt
	order.Status = domain.OrderReceived
	order.ReceivedAt = &receivedAt
	order.UpdatedAt = receivedAt
	order.Version++
	s.ordersByID[order.ID] = order

	for _, id := range commit.CompleteItemIDs {
		item := s.itemsByID[id]
		store.ApplyTransition(&item, domain.ItemCompleted, receivedAt)
		s.itemsByID[id] = item
	}
	created := make([]domain.ReplacementItem, 0, len(commit.NewItems))
	for _, item := range commit.NewItems {
		saved, err := s.insertItemLocked(item)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, saved)
	}
	dup := cloneOrder(order)
	return &dup, created, nil
}

func (s *Store) CommitOrderCancellation(_ context.Context, commit store.CancellationCommit) (*domain.Order, []domain.ReplacementItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[commit.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if !slices.Contains(store.CancellableStatuses, order.Status) || order.Version != commit.ExpectedVersion {
		return nil, nil, store.ErrConflict
	}
	for _, id := range commit.CancelItemIDs {
		item, ok := s.itemsByID[id]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		if item.CarriedByOrderID != order.ID || item.Status.Terminal() {
			return nil, nil, store.ErrConflict
		}
	}

	order.Status = domain.OrderCancelled
	order.UpdatedAt = commit.CancelledAt
	order.Version++
	s.ordersByID[order.ID] = order
	for _, id := range commit.CancelItemIDs {
		item := s.itemsByID[id]
		store.ApplyTransition(&item, domain.ItemCancelled, commit.CancelledAt)
		s.itemsByID[id] = item
	}
	created := make([]domain.ReplacementItem, 0, len(commit.Reissued))
	for _, item := range commit.Reissued {
		saved, err := s.insertItemLocked(item)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, saved)
	}
	dup := cloneOrder(order)
	return &dup, created, nil
}

func (s *Store) ListDeliveryNotes(_ context.Context, branchID string, limit int) ([]domain.DeliveryNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeliveryNote, 0)
	for i := len(s.deliveryNotes) - 1; i >= 0; i-- {
		note := s.deliveryNotes[i]
		if branchID != "" && note.FromBranchID != branchID && note.ToBranchID != branchID {
			continue
		}
		out = append(out, cloneNote(note))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleBranch
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneItem(src domain.ReplacementItem) domain.ReplacementItem {
	dup := src
	dup.MergedAt = cloneTime(src.MergedAt)
	dup.CompletedAt = cloneTime(src.CompletedAt)
	dup.CancelledAt = cloneTime(src.CancelledAt)
	return dup
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	dup.Items = cloneLines(src.Items)
	dup.AllowedSendDays = slices.Clone(src.AllowedSendDays)
	dup.SentAt = cloneTime(src.SentAt)
	dup.ReceivedAt = cloneTime(src.ReceivedAt)
	return dup
}

func cloneLines(src []domain.OrderLine) []domain.OrderLine {
	lines := make([]domain.OrderLine, len(src))
	for i, line := range src {
		lines[i] = line
		lines[i].SourceItemIDs = slices.Clone(line.SourceItemIDs)
	}
	return lines
}

func cloneTemplate(src domain.Template) domain.Template {
	dup := src
	dup.Items = slices.Clone(src.Items)
	dup.DestinationBranchIDs = slices.Clone(src.DestinationBranchIDs)
	dup.AllowedSendDays = slices.Clone(src.AllowedSendDays)
	return dup
}

func cloneNote(src domain.DeliveryNote) domain.DeliveryNote {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	return dup
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}
