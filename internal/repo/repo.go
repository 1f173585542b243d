package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"civicdesk/internal/domain"
	"civicdesk/internal/geo"
)

type Repo struct {
	DB *sql.DB
}

var (
	// ErrNotFound covers both a truly absent request and one hidden from
	// the caller; the two are indistinguishable by design.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals an optimistic-version mismatch; callers re-fetch
	// and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrUnavailable signals a timed-out or unreachable store; safe to
	// retry with backoff.
	ErrUnavailable = errors.New("storage unavailable")
)

// wrapErr maps context timeouts onto the retryable taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_requests(
id,title,description,category,status,priority,
longitude,latitude,addr_street,addr_city,addr_state,addr_zip,
citizen_id,assigned_department,status_comment,actual_completion_date,
created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Title, req.Description, req.Category, req.Status, req.Priority,
		req.Location.Longitude, req.Location.Latitude,
		req.Location.Address.Street, req.Location.Address.City, req.Location.Address.State, req.Location.Address.ZipCode,
		req.CitizenID, nullableStringPtr(req.AssignedDepartment), req.StatusComment, nullableStringPtr(req.ActualCompletionDate),
		req.CreatedAt, req.UpdatedAt, req.Version)
	return wrapErr(err)
}

// UpdateRequest writes the mutable request-row fields guarded by the version
// the caller read. A version miss returns ErrConflict and writes nothing.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE service_requests SET
status=?, priority=?, assigned_department=?, status_comment=?,
actual_completion_date=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		req.Status, req.Priority, nullableStringPtr(req.AssignedDepartment), req.StatusComment,
		nullableStringPtr(req.ActualCompletionDate), req.UpdatedAt,
		req.ID, req.Version)
	if err != nil {
		return wrapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("request %s: %w", req.ID, ErrConflict)
	}
	return nil
}

// TouchRequest bumps updated_at without the version guard; used for child
// appends, which are inserts and cannot race the request row.
func (r Repo) TouchRequest(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE service_requests SET updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return wrapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const requestColumns = `id,title,description,category,status,priority,
longitude,latitude,addr_street,addr_city,addr_state,addr_zip,
citizen_id,assigned_department,status_comment,actual_completion_date,
created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	var dept, completed sql.NullString
	err := row.Scan(&req.ID, &req.Title, &req.Description, &req.Category, &req.Status, &req.Priority,
		&req.Location.Longitude, &req.Location.Latitude,
		&req.Location.Address.Street, &req.Location.Address.City, &req.Location.Address.State, &req.Location.Address.ZipCode,
		&req.CitizenID, &dept, &req.StatusComment, &completed,
		&req.CreatedAt, &req.UpdatedAt, &req.Version)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, wrapErr(err)
	}
	if dept.Valid {
		req.AssignedDepartment = &dept.String
	}
	if completed.Valid {
		req.ActualCompletionDate = &completed.String
	}
	return req, nil
}

// GetRequestRow returns the request row without its child logs.
func (r Repo) GetRequestRow(ctx context.Context, id string) (domain.ServiceRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=?`, id))
}

// GetRequestRowTx is GetRequestRow inside the caller's transaction.
func (r Repo) GetRequestRowTx(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=?`, id))
}

// GetRequest returns the full aggregate: row plus history, comments and
// attachments in their append order.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	req, err := r.GetRequestRow(ctx, id)
	if err != nil {
		return req, err
	}
	if req.StatusHistory, err = r.ListStatusHistory(ctx, id); err != nil {
		return req, err
	}
	if req.Comments, err = r.ListComments(ctx, id); err != nil {
		return req, err
	}
	if req.Attachments, err = r.ListAttachments(ctx, id); err != nil {
		return req, err
	}
	return req, nil
}

func (r Repo) AppendStatusHistory(ctx context.Context, tx *sql.Tx, entry domain.StatusHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_status_history(request_id,status,changed_by,comment,ts) VALUES (?,?,?,?,?)`,
		entry.RequestID, entry.Status, entry.ChangedBy, entry.Comment, entry.Timestamp)
	return wrapErr(err)
}

func (r Repo) ListStatusHistory(ctx context.Context, requestID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,status,changed_by,comment,ts FROM request_status_history WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		if err := rows.Scan(&e.RequestID, &e.Status, &e.ChangedBy, &e.Comment, &e.Timestamp); err != nil {
			return nil, wrapErr(err)
		}
		res = append(res, e)
	}
	return res, wrapErr(rows.Err())
}

// InsertComment is an atomic append: a bare INSERT, never a read-modify-write
// of the aggregate, so concurrent comments cannot lose each other.
func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_comments(id,request_id,text,author_id,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.RequestID, c.Text, c.AuthorID, c.CreatedAt)
	return wrapErr(err)
}

func (r Repo) ListComments(ctx context.Context, requestID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,request_id,text,author_id,created_at FROM request_comments WHERE request_id=? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.Seq, &c.ID, &c.RequestID, &c.Text, &c.AuthorID, &c.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		res = append(res, c)
	}
	return res, wrapErr(rows.Err())
}

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO request_attachments(id,request_id,kind,storage_ref,mime_type,original_name,uploaded_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.Kind, a.StorageRef, nullable(a.MimeType), nullable(a.OriginalName), a.UploadedAt)
	return wrapErr(err)
}

func (r Repo) ListAttachments(ctx context.Context, requestID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,kind,storage_ref,COALESCE(mime_type,''),COALESCE(original_name,''),uploaded_at FROM request_attachments WHERE request_id=? ORDER BY uploaded_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Kind, &a.StorageRef, &a.MimeType, &a.OriginalName, &a.UploadedAt); err != nil {
			return nil, wrapErr(err)
		}
		res = append(res, a)
	}
	return res, wrapErr(rows.Err())
}

// GeoNear filters by proximity to a query point.
type GeoNear struct {
	Longitude    float64
	Latitude     float64
	RadiusMeters float64 // 0 means unbounded
	Limit        int     // 0 means no cap beyond RequestFilters.Limit
}

type RequestFilters struct {
	CitizenID       string // non-empty scopes to one owner
	Status          string
	Category        string
	Department      string
	GeoNear         *GeoNear
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRequests returns request rows matching the filters. Without GeoNear the
// ordering is created_at descending with a composite cursor; with GeoNear the
// ordering is distance ascending, ties broken by created_at then id ascending.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ServiceRequest, error) {
	var clauses []string
	var args []any
	if f.CitizenID != "" {
		clauses = append(clauses, "citizen_id=?")
		args = append(args, f.CitizenID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Department != "" {
		clauses = append(clauses, "assigned_department=?")
		args = append(args, f.Department)
	}
	if f.GeoNear == nil && f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM service_requests ` + where
	if f.GeoNear == nil {
		query += ` ORDER BY created_at DESC, id DESC`
		if f.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, f.Limit)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var res []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	if f.GeoNear != nil {
		res = sortByDistance(res, *f.GeoNear)
		if f.Limit > 0 && len(res) > f.Limit {
			res = res[:f.Limit]
		}
	}
	return res, nil
}

// sortByDistance orders candidates by spherical distance from the query point
// ascending, ties by created_at then id ascending, applying the radius and
// nearest-N limits.
func sortByDistance(reqs []domain.ServiceRequest, near GeoNear) []domain.ServiceRequest {
	origin := geo.Point{Longitude: near.Longitude, Latitude: near.Latitude}
	type scored struct {
		req  domain.ServiceRequest
		dist float64
	}
	var kept []scored
	for _, req := range reqs {
		d := geo.Distance(origin, geo.Point{Longitude: req.Location.Longitude, Latitude: req.Location.Latitude})
		if near.RadiusMeters > 0 && d > near.RadiusMeters {
			continue
		}
		kept = append(kept, scored{req: req, dist: d})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].dist != kept[j].dist {
			return kept[i].dist < kept[j].dist
		}
		if kept[i].req.CreatedAt != kept[j].req.CreatedAt {
			return kept[i].req.CreatedAt < kept[j].req.CreatedAt
		}
		return kept[i].req.ID < kept[j].req.ID
	})
	out := make([]domain.ServiceRequest, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.req)
	}
	if near.Limit > 0 && len(out) > near.Limit {
		out = out[:near.Limit]
	}
	return out
}

// LatestEventsFrom pages the event feed newest-first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, requestID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(request_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; the webhook dispatcher drains the feed with it.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(request_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, wrapErr(err)
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, wrapErr(err)
		}
		res = append(res, e)
	}
	return res, wrapErr(rows.Err())
}

// CountRequestsByStatus powers the CLI status summary.
func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM service_requests GROUP BY status`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapErr(err)
		}
		res[status] = count
	}
	return res, wrapErr(rows.Err())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
