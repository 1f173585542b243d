package server

import (
	"civicdesk/internal/domain"
)

// Request payloads

type AddressRequest struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

type LocationRequest struct {
	Longitude *float64       `json:"longitude,omitempty"`
	Latitude  *float64       `json:"latitude,omitempty"`
	Address   AddressRequest `json:"address"`
}

type CreateServiceRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category" enum:"maintenance,repair,installation,inspection,streetlight,other"`
	Priority    *string         `json:"priority,omitempty" enum:"low,medium,high"`
	Location    LocationRequest `json:"location"`
}

type TransitionRequest struct {
	Status  string `json:"status" enum:"pending,in-progress,resolved,rejected"`
	Comment string `json:"comment,omitempty"`
}

type AddCommentRequest struct {
	Text string `json:"text"`
}

type AddAttachmentRequest struct {
	Kind         string `json:"kind" enum:"image,video,document"`
	StorageRef   string `json:"storage_ref,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	// Base64 payload; when present the server stores the bytes and fills
	// storage_ref itself.
	Data string `json:"data,omitempty"`
}

type AssignRequest struct {
	Department string `json:"department"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"citizen,staff,admin"`
	Email   string `json:"email,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type AddressResponse struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

type LocationResponse struct {
	Longitude float64         `json:"longitude"`
	Latitude  float64         `json:"latitude"`
	Address   AddressResponse `json:"address"`
}

type StatusHistoryResponse struct {
	Status    string `json:"status" enum:"pending,in-progress,resolved,rejected"`
	ChangedBy string `json:"changed_by"`
	Comment   string `json:"comment"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AttachmentResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind" enum:"image,video,document"`
	StorageRef   string `json:"storage_ref"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	UploadedAt   string `json:"uploaded_at" format:"date-time"`
}

type ServiceRequestResponse struct {
	ID                   string                  `json:"id"`
	Title                string                  `json:"title"`
	Description          string                  `json:"description"`
	Category             string                  `json:"category" enum:"maintenance,repair,installation,inspection,streetlight,other"`
	Status               string                  `json:"status" enum:"pending,in-progress,resolved,rejected"`
	Priority             string                  `json:"priority" enum:"low,medium,high"`
	Location             LocationResponse        `json:"location"`
	CitizenID            string                  `json:"citizen_id"`
	AssignedDepartment   *string                 `json:"assigned_department,omitempty"`
	StatusComment        string                  `json:"status_comment,omitempty"`
	StatusHistory        []StatusHistoryResponse `json:"status_history"`
	Comments             []CommentResponse       `json:"comments"`
	Attachments          []AttachmentResponse    `json:"attachments"`
	ActualCompletionDate *string                 `json:"actual_completion_date,omitempty" format:"date-time"`
	CreatedAt            string                  `json:"created_at" format:"date-time"`
	UpdatedAt            string                  `json:"updated_at" format:"date-time"`
	Version              int64                   `json:"version"`
}

type paginatedRequests struct {
	Items      []ServiceRequestResponse `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Only populated at creation time.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ID    string `json:"id"`
	Role  string `json:"role" enum:"citizen,staff,admin"`
	Email string `json:"email,omitempty"`
}

func requestResponse(r domain.ServiceRequest) ServiceRequestResponse {
	resp := ServiceRequestResponse{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Status:      r.Status,
		Priority:    r.Priority,
		Location: LocationResponse{
			Longitude: r.Location.Longitude,
			Latitude:  r.Location.Latitude,
			Address: AddressResponse{
				Street:  r.Location.Address.Street,
				City:    r.Location.Address.City,
				State:   r.Location.Address.State,
				ZipCode: r.Location.Address.ZipCode,
			},
		},
		CitizenID:            r.CitizenID,
		AssignedDepartment:   r.AssignedDepartment,
		StatusComment:        r.StatusComment,
		StatusHistory:        []StatusHistoryResponse{},
		Comments:             []CommentResponse{},
		Attachments:          []AttachmentResponse{},
		ActualCompletionDate: r.ActualCompletionDate,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		Version:              r.Version,
	}
	for _, h := range r.StatusHistory {
		resp.StatusHistory = append(resp.StatusHistory, StatusHistoryResponse{
			Status:    h.Status,
			ChangedBy: h.ChangedBy,
			Comment:   h.Comment,
			Timestamp: h.Timestamp,
		})
	}
	for _, c := range r.Comments {
		resp.Comments = append(resp.Comments, CommentResponse{
			ID:        c.ID,
			Text:      c.Text,
			AuthorID:  c.AuthorID,
			CreatedAt: c.CreatedAt,
		})
	}
	for _, a := range r.Attachments {
		resp.Attachments = append(resp.Attachments, AttachmentResponse{
			ID:           a.ID,
			Kind:         a.Kind,
			StorageRef:   a.StorageRef,
			MimeType:     a.MimeType,
			OriginalName: a.OriginalName,
			UploadedAt:   a.UploadedAt,
		})
	}
	return resp
}

func mapRequests(items []domain.ServiceRequest) []ServiceRequestResponse {
	res := make([]ServiceRequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
	}
}
