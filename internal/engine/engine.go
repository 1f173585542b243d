package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicdesk/internal/config"
	"civicdesk/internal/domain"
	"civicdesk/internal/engine/authz"
	"civicdesk/internal/events"
	"civicdesk/internal/notify"
	"civicdesk/internal/repo"
	"civicdesk/internal/validate"
)

// Engine owns the service-request lifecycle: every mutation of the aggregate
// goes through it, in one transaction per operation, with the audit trail and
// event feed appended inside that transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Gate     authz.Gate
	Config   *config.Config
	Notifier notify.Publisher
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Gate:     authz.Gate{AdminFallbackEmail: cfg.Auth.AdminFallbackEmail},
		Config:   cfg,
		Notifier: notify.LogPublisher{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// boundCtx caps every storage interaction; a deadline surfaces as the
// retryable repo.ErrUnavailable.
func (e Engine) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := 5 * time.Second
	if e.Config != nil {
		timeout = e.Config.StorageTimeout()
	}
	return context.WithTimeout(ctx, timeout)
}

// publish emits the notification event after commit. Fire-and-forget: it can
// never block or fail the operation that triggered it.
func (e Engine) publish(ctx context.Context, requestID, newStatus string) {
	if e.Notifier == nil {
		return
	}
	go e.Notifier.Publish(context.WithoutCancel(ctx), notify.StatusEvent{
		RequestID: requestID,
		NewStatus: newStatus,
	})
}

// CreateOptions are parameters for filing a request.
type CreateOptions struct {
	Title       string
	Description string
	Category    string
	Priority    string
	Location    validate.LocationInput
}

const initialHistoryComment = "Request submitted"

// CreateRequest files a new request for the citizen principal. Status is
// forced to pending and the first audit entry is written in the same
// transaction as the row.
func (e Engine) CreateRequest(ctx context.Context, p domain.Principal, opts CreateOptions) (domain.ServiceRequest, error) {
	if err := e.Gate.CanCreate(p); err != nil {
		return domain.ServiceRequest{}, err
	}
	in, err := validate.Request(validate.RequestInput{
		Title:       opts.Title,
		Description: opts.Description,
		Category:    opts.Category,
		Priority:    opts.Priority,
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	loc, err := validate.Location(opts.Location)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	req := domain.ServiceRequest{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Status:      domain.StatusPending,
		Priority:    in.Priority,
		Location:    loc,
		CitizenID:   p.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if e.Config != nil {
		if dept, ok := e.Config.Routing.Categories[req.Category]; ok {
			req.AssignedDepartment = &dept
		}
	}
	entry := domain.StatusHistoryEntry{
		RequestID: req.ID,
		Status:    domain.StatusPending,
		ChangedBy: p.ID,
		Comment:   initialHistoryComment,
		Timestamp: now,
	}

	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Repo.AppendStatusHistory(ctx, tx, entry); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("append history: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeRequestCreated, req.ID, p.ID, events.EventPayload{
		"category": req.Category,
		"status":   req.Status,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	req.StatusHistory = []domain.StatusHistoryEntry{entry}
	e.publish(ctx, req.ID, req.Status)
	return req, nil
}

// GetRequest loads the full aggregate for a principal. A citizen who does not
// own the request gets the same not-found error as a missing id, so denial
// never reveals existence.
func (e Engine) GetRequest(ctx context.Context, p domain.Principal, id string) (domain.ServiceRequest, error) {
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Gate.CanRead(p, req); err != nil {
		return domain.ServiceRequest{}, repo.ErrNotFound
	}
	return req, nil
}

// ListRequests returns request rows visible to the principal. Citizens are
// always scoped to their own requests regardless of filters.
func (e Engine) ListRequests(ctx context.Context, p domain.Principal, f repo.RequestFilters) ([]domain.ServiceRequest, error) {
	if p.ID == "" {
		return nil, authz.DeniedError{Operation: "list"}
	}
	if !e.Gate.CanListAll(p) {
		f.CitizenID = p.ID
	}
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	return e.Repo.ListRequests(ctx, f)
}

// ensureStatusTransition is the single transition-legality check. The graph
// is deliberately permissive (any status reachable from any other); a
// stricter graph is a one-line change here.
func ensureStatusTransition(oldStatus, newStatus string) error {
	if err := validate.Status(newStatus); err != nil {
		return err
	}
	_ = oldStatus
	return nil
}

const defaultHistoryComment = "Status updated"

// Transition moves a request to newStatus on behalf of a staff/admin actor.
// Status, status comment, the audit entry, the optional synthetic comment and
// the completion date commit as one unit; the request-row update is guarded
// by the version read here so concurrent transitions serialize.
func (e Engine) Transition(ctx context.Context, p domain.Principal, requestID, newStatus, comment string) (domain.ServiceRequest, error) {
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	req, err := e.Repo.GetRequestRow(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Gate.CanTransition(p, req); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := ensureStatusTransition(req.Status, newStatus); err != nil {
		return domain.ServiceRequest{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	oldStatus := req.Status
	req.Status = newStatus
	req.StatusComment = comment
	req.UpdatedAt = now
	if newStatus == domain.StatusResolved {
		// Overwritten on every resolved transition; never cleared when
		// the status later moves away from resolved.
		req.ActualCompletionDate = &now
	}
	historyComment := comment
	if historyComment == "" {
		historyComment = defaultHistoryComment
	}
	entry := domain.StatusHistoryEntry{
		RequestID: req.ID,
		Status:    newStatus,
		ChangedBy: p.ID,
		Comment:   historyComment,
		Timestamp: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRequest(ctx, tx, req); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Repo.AppendStatusHistory(ctx, tx, entry); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("append history: %w", err)
	}
	if strings.TrimSpace(comment) != "" {
		// The note lands in both logs: history is the audit trail,
		// comments are the human-readable thread.
		synthetic := domain.Comment{
			ID:        uuid.New().String(),
			RequestID: req.ID,
			Text:      fmt.Sprintf("Status changed to %s: %s", newStatus, comment),
			AuthorID:  p.ID,
			CreatedAt: now,
		}
		if err := e.Repo.InsertComment(ctx, tx, synthetic); err != nil {
			return domain.ServiceRequest{}, fmt.Errorf("append synthetic comment: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeStatusChanged, req.ID, p.ID, events.EventPayload{
		"from_status": oldStatus,
		"to_status":   newStatus,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	e.publish(ctx, req.ID, newStatus)
	return e.Repo.GetRequest(ctx, req.ID)
}

// AddComment appends to the request thread. The insert is an atomic append,
// so concurrent comments from distinct actors all land in receipt order.
func (e Engine) AddComment(ctx context.Context, p domain.Principal, requestID, text string) (domain.ServiceRequest, error) {
	text, err := validate.CommentText(text)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	req, err := e.Repo.GetRequestRow(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Gate.CanComment(p, req); err != nil {
		// Hidden like a read: a citizen who cannot see the request
		// must not learn it exists.
		return domain.ServiceRequest{}, repo.ErrNotFound
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Comment{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Text:      text,
		AuthorID:  p.ID,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Repo.TouchRequest(ctx, tx, req.ID, now); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommentAdded, req.ID, p.ID, nil); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return e.Repo.GetRequest(ctx, req.ID)
}

// AddAttachment appends an uploaded file reference. Attachments are immutable
// once created.
func (e Engine) AddAttachment(ctx context.Context, p domain.Principal, requestID string, att domain.Attachment) (domain.ServiceRequest, error) {
	if err := validate.Attachment(att); err != nil {
		return domain.ServiceRequest{}, err
	}
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	req, err := e.Repo.GetRequestRow(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Gate.CanAttach(p, req); err != nil {
		return domain.ServiceRequest{}, repo.ErrNotFound
	}
	now := e.now().UTC().Format(time.RFC3339)
	att.ID = uuid.New().String()
	att.RequestID = req.ID
	att.UploadedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttachment(ctx, tx, att); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Repo.TouchRequest(ctx, tx, req.ID, now); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAttachmentAdded, req.ID, p.ID, events.EventPayload{
		"kind": att.Kind,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return e.Repo.GetRequest(ctx, req.ID)
}

// AssignDepartment routes a request to a department. A plain field update,
// not a transition: no history entry is written.
func (e Engine) AssignDepartment(ctx context.Context, p domain.Principal, requestID, department string) (domain.ServiceRequest, error) {
	if err := validate.Department(department); err != nil {
		return domain.ServiceRequest{}, err
	}
	ctx, cancel := e.boundCtx(ctx)
	defer cancel()
	req, err := e.Repo.GetRequestRow(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Gate.CanAssign(p, req); err != nil {
		return domain.ServiceRequest{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	req.AssignedDepartment = &department
	req.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequest(ctx, tx, req); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDepartmentChanged, req.ID, p.ID, events.EventPayload{
		"department": department,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	return e.Repo.GetRequest(ctx, req.ID)
}

// IsHidden reports whether err is the not-found error used both for missing
// ids and access-denied-and-hidden requests.
func IsHidden(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
