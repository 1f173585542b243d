package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"civicdesk/internal/db"
	"civicdesk/internal/domain"
	"civicdesk/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func insertRequests(t *testing.T, r Repo, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%03d", i)
		req := domain.ServiceRequest{
			ID:          id,
			Title:       fmt.Sprintf("request %d", i),
			Description: "d",
			Category:    domain.CategoryMaintenance,
			Status:      domain.StatusPending,
			Priority:    domain.PriorityMedium,
			CitizenID:   "cit-1",
			CreatedAt:   fmt.Sprintf("2026-03-01T12:00:%02dZ", i),
			UpdatedAt:   fmt.Sprintf("2026-03-01T12:00:%02dZ", i),
			Version:     1,
		}
		req.Location.Address = domain.Address{Street: "s", City: "c", State: "st", ZipCode: "z"}
		if err := inTx(ctx, r.DB, func(tx *sql.Tx) error {
			return r.InsertRequest(ctx, tx, req)
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func inTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestListRequestsCursorWalk(t *testing.T) {
	r := newTestRepo(t)
	insertRequests(t, r, 7)
	ctx := context.Background()

	var seen []string
	f := RequestFilters{Limit: 3}
	for {
		page, err := r.ListRequests(ctx, f)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, req := range page {
			seen = append(seen, req.ID)
		}
		last := page[len(page)-1]
		f.CursorCreatedAt = last.CreatedAt
		f.CursorID = last.ID
	}
	if len(seen) != 7 {
		t.Fatalf("walked %d rows, want 7: %v", len(seen), seen)
	}
	// Newest first, each id exactly once.
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Fatalf("rows out of order at %d: %v", i, seen)
		}
	}
}

func TestListRequestsFilters(t *testing.T) {
	r := newTestRepo(t)
	ids := insertRequests(t, r, 3)
	ctx := context.Background()

	dept := "Municipality"
	if err := inTx(ctx, r.DB, func(tx *sql.Tx) error {
		req, err := r.GetRequestRowTx(ctx, tx, ids[1])
		if err != nil {
			return err
		}
		req.Status = domain.StatusInProgress
		req.AssignedDepartment = &dept
		return r.UpdateRequest(ctx, tx, req)
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.ListRequests(ctx, RequestFilters{Status: domain.StatusInProgress})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(got) != 1 || got[0].ID != ids[1] {
		t.Fatalf("status filter returned %v", got)
	}

	got, err = r.ListRequests(ctx, RequestFilters{Department: dept})
	if err != nil {
		t.Fatalf("list by department: %v", err)
	}
	if len(got) != 1 || got[0].ID != ids[1] {
		t.Fatalf("department filter returned %v", got)
	}

	got, err = r.ListRequests(ctx, RequestFilters{CitizenID: "nobody"})
	if err != nil {
		t.Fatalf("list by citizen: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("citizen filter returned %v", got)
	}
}

func TestUpdateRequestVersionGuard(t *testing.T) {
	r := newTestRepo(t)
	ids := insertRequests(t, r, 1)
	ctx := context.Background()

	stale, err := r.GetRequestRow(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := inTx(ctx, r.DB, func(tx *sql.Tx) error {
		fresh := stale
		fresh.Status = domain.StatusInProgress
		return r.UpdateRequest(ctx, tx, fresh)
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err = inTx(ctx, r.DB, func(tx *sql.Tx) error {
		stale.Status = domain.StatusRejected
		return r.UpdateRequest(ctx, tx, stale)
	})
	if err == nil {
		t.Fatal("stale update succeeded")
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestEventFeedPaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
			fmt.Sprintf("2026-03-01T12:00:%02dZ", i), "request.created", fmt.Sprintf("req-%d", i), "cit-1", "{}")
		if err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	newest, err := r.LatestEventsFrom(ctx, 2, 0, "", "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(newest) != 2 || newest[0].ID <= newest[1].ID {
		t.Fatalf("want 2 newest-first events, got %v", newest)
	}

	older, err := r.LatestEventsFrom(ctx, 10, newest[1].ID, "", "")
	if err != nil {
		t.Fatalf("older page: %v", err)
	}
	if len(older) != 3 {
		t.Fatalf("want 3 older events, got %d", len(older))
	}

	forward, err := r.EventsAfter(ctx, 10, 0)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(forward) != 5 {
		t.Fatalf("want all 5 events, got %d", len(forward))
	}
	for i := 1; i < len(forward); i++ {
		if forward[i].ID <= forward[i-1].ID {
			t.Fatalf("forward feed out of order: %v", forward)
		}
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest != forward[len(forward)-1].ID {
		t.Fatalf("latest id %d != tail %d", latest, forward[len(forward)-1].ID)
	}
}
