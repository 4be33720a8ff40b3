package mongodb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("REPLENISH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set REPLENISH_TEST_MONGO_URI to run mongodb integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, uri, fmt.Sprintf("replenish_it_%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	})
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return s
}

func TestCommitMergeMarksItemsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateReplacementItem(ctx, domain.ReplacementItem{
		BranchID: "sucursal-centro", ProductID: "P1", Unit: "unidad", Quantity: 3,
		Priority: domain.PriorityNormal, Status: domain.ItemPending,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	order, err := s.CreateOrder(ctx, domain.Order{Status: domain.OrderDraft, FromBranchID: "sucursal-centro", ToBranchID: "fabrica"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	at := time.Now().UTC()
	lines := []domain.OrderLine{{ProductID: "P1", Quantity: 3, Unit: "unidad", SourceItemIDs: []string{item.ID}}}
	saved, err := s.CommitMerge(ctx, store.MergeCommit{OrderID: order.ID, ExpectedVersion: order.Version, Lines: lines, ItemIDs: []string{item.ID}, MergedAt: at})
	if err != nil {
		t.Fatalf("commit merge: %v", err)
	}
	if saved.Version != order.Version+1 || !saved.Carries(item.ID) {
		t.Fatalf("unexpected order after merge: %+v", saved)
	}

	_, err = s.CommitMerge(ctx, store.MergeCommit{OrderID: order.ID, ExpectedVersion: saved.Version, Lines: lines, ItemIDs: []string{item.ID}, MergedAt: at})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second merge, got %v", err)
	}

	// The aborted transaction must leave the order version untouched.
	reloaded, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if reloaded.Version != saved.Version {
		t.Fatalf("expected version %d, got %d", saved.Version, reloaded.Version)
	}
}

func TestCommitUrgentOrderSkipsCarriedItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.CreateReplacementItem(ctx, domain.ReplacementItem{
		BranchID: "sucursal-centro", ProductID: "P9", Unit: "unidad", Quantity: 2,
		Priority: domain.PriorityUrgent, Status: domain.ItemPending,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if _, err := s.db.Collection(colItems).UpdateOne(ctx, bson.M{"_id": item.ID}, bson.M{"$set": bson.M{"carried_by_order_id": "ord-other"}}); err != nil {
		t.Fatalf("mark carried: %v", err)
	}

	_, err = s.CommitUrgentOrder(ctx, domain.Order{
		Kind: domain.OrderKindUrgent, Status: domain.OrderSent, FromBranchID: "sucursal-centro", ToBranchID: "fabrica",
	}, []string{item.ID}, time.Now().UTC())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	orders, err := s.ListOrders(ctx, store.OrderFilter{FromBranchID: "sucursal-centro"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no urgent order to persist, got %d", len(orders))
	}
}
