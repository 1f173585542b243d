package domain

// Roles a resolved principal can carry.
const (
	RoleCitizen = "citizen"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// Request statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusResolved   = "resolved"
	StatusRejected   = "rejected"
)

// Priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Categories.
const (
	CategoryMaintenance  = "maintenance"
	CategoryRepair       = "repair"
	CategoryInstallation = "installation"
	CategoryInspection   = "inspection"
	CategoryStreetlight  = "streetlight"
	CategoryOther        = "other"
)

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentVideo    = "video"
	AttachmentDocument = "document"
)

// Departments is the fixed set of municipal departments a request can be
// assigned to.
var Departments = []string{
	"Water Works Association",
	"Electric Association",
	"Gas Association",
	"Parks and Recreation",
	"Municipality",
	"Governorship",
	"Ministry of Education",
	"Ministry of Sport",
	"Ministry of Health",
	"Other",
}

// ValidRole reports whether r is a known principal role.
func ValidRole(r string) bool {
	switch r {
	case RoleCitizen, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// ValidStatus reports whether s is one of the four request statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusResolved, StatusRejected:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryMaintenance, CategoryRepair, CategoryInstallation,
		CategoryInspection, CategoryStreetlight, CategoryOther:
		return true
	}
	return false
}

// ValidDepartment reports whether d is one of the fixed departments.
func ValidDepartment(d string) bool {
	for _, known := range Departments {
		if d == known {
			return true
		}
	}
	return false
}

// ValidAttachmentKind reports whether k is a known attachment kind.
func ValidAttachmentKind(k string) bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentDocument:
		return true
	}
	return false
}

// Principal is an authenticated actor. Immutable for the duration of a
// request; resolved by the auth middleware, never stored with the aggregate.
type Principal struct {
	ID    string `json:"id"`
	Role  string `json:"role" enum:"citizen,staff,admin"`
	Email string `json:"email,omitempty"`
}

// Address is the structured postal part of a location. Fields are always
// present strings, never null.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

// Location is a geocoded point plus address. Coordinates default to (0,0)
// when unknown.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Address   Address `json:"address"`
}

// Comment is one entry in a request's human-readable thread. Append-only;
// Seq records receipt order under concurrent appends.
type Comment struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Seq       int64  `json:"seq"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Attachment is an uploaded file reference owned by exactly one request.
// Immutable once created.
type Attachment struct {
	ID           string `json:"id"`
	RequestID    string `json:"request_id"`
	Kind         string `json:"kind" enum:"image,video,document"`
	StorageRef   string `json:"storage_ref"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	UploadedAt   string `json:"uploaded_at" format:"date-time"`
}

// StatusHistoryEntry is one row of the audit trail. Never edited or deleted.
type StatusHistoryEntry struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status" enum:"pending,in-progress,resolved,rejected"`
	ChangedBy string `json:"changed_by"`
	Comment   string `json:"comment"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// ServiceRequest is the aggregate root: the request row plus its append-only
// child logs. Version backs optimistic concurrency on the row itself.
type ServiceRequest struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Description          string               `json:"description"`
	Category             string               `json:"category" enum:"maintenance,repair,installation,inspection,streetlight,other"`
	Status               string               `json:"status" enum:"pending,in-progress,resolved,rejected"`
	Priority             string               `json:"priority" enum:"low,medium,high"`
	Location             Location             `json:"location"`
	CitizenID            string               `json:"citizen_id"`
	AssignedDepartment   *string              `json:"assigned_department,omitempty"`
	StatusComment        string               `json:"status_comment"`
	StatusHistory        []StatusHistoryEntry `json:"status_history"`
	Comments             []Comment            `json:"comments"`
	Attachments          []Attachment         `json:"attachments"`
	ActualCompletionDate *string              `json:"actual_completion_date,omitempty" format:"date-time"`
	CreatedAt            string               `json:"created_at" format:"date-time"`
	UpdatedAt            string               `json:"updated_at" format:"date-time"`
	Version              int64                `json:"version"`
}

// Event is one row of the append-only event feed consumed by the webhook
// dispatcher and the activity log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// APIKey is a stored service credential. Keys authenticate as staff-role
// service principals.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
