// Package validate holds explicit per-entity validation. Each function
// returns an *Error carrying field-level problems so callers can surface
// them without string matching.
package validate

import (
	"fmt"
	"strings"

	"civicdesk/internal/domain"
	"civicdesk/internal/geo"
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is a validation failure with one entry per bad field.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *Error) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *Error) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// LocationInput is the raw location payload before normalization.
type LocationInput struct {
	Longitude *float64
	Latitude  *float64
	Street    string
	City      string
	State     string
	ZipCode   string
}

// Location validates and normalizes a location. Address fields are required
// non-empty after trimming; coordinates default to (0,0) when absent and are
// range-checked when provided.
func Location(in LocationInput) (domain.Location, error) {
	var verr Error
	loc := domain.Location{
		Address: domain.Address{
			Street:  strings.TrimSpace(in.Street),
			City:    strings.TrimSpace(in.City),
			State:   strings.TrimSpace(in.State),
			ZipCode: strings.TrimSpace(in.ZipCode),
		},
	}
	if loc.Address.Street == "" {
		verr.add("location.address.street", "required")
	}
	if loc.Address.City == "" {
		verr.add("location.address.city", "required")
	}
	if loc.Address.State == "" {
		verr.add("location.address.state", "required")
	}
	if loc.Address.ZipCode == "" {
		verr.add("location.address.zip_code", "required")
	}
	if in.Longitude != nil || in.Latitude != nil {
		if in.Longitude == nil || in.Latitude == nil {
			verr.add("location.coordinates", "longitude and latitude must be provided together")
		} else if err := geo.ValidateCoordinates(*in.Longitude, *in.Latitude); err != nil {
			verr.add("location.coordinates", err.Error())
		} else {
			loc.Longitude = *in.Longitude
			loc.Latitude = *in.Latitude
		}
	}
	return loc, verr.orNil()
}

// RequestInput is the mutable part of a new service request.
type RequestInput struct {
	Title       string
	Description string
	Category    string
	Priority    string
}

// Request validates the scalar fields of a new request. Priority defaults to
// medium when empty.
func Request(in RequestInput) (RequestInput, error) {
	var verr Error
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		verr.add("title", "required")
	}
	if in.Description == "" {
		verr.add("description", "required")
	}
	if in.Category == "" {
		verr.add("category", "required")
	} else if !domain.ValidCategory(in.Category) {
		verr.add("category", "must be one of maintenance, repair, installation, inspection, streetlight, other")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	} else if !domain.ValidPriority(in.Priority) {
		verr.add("priority", "must be one of low, medium, high")
	}
	return in, verr.orNil()
}

// CommentText validates a comment body.
func CommentText(text string) (string, error) {
	var verr Error
	text = strings.TrimSpace(text)
	if text == "" {
		verr.add("text", "required")
	}
	return text, verr.orNil()
}

// Attachment validates a new attachment.
func Attachment(att domain.Attachment) error {
	var verr Error
	if att.Kind == "" {
		verr.add("kind", "required")
	} else if !domain.ValidAttachmentKind(att.Kind) {
		verr.add("kind", "must be one of image, video, document")
	}
	if strings.TrimSpace(att.StorageRef) == "" {
		verr.add("storage_ref", "required")
	}
	return verr.orNil()
}

// Status validates a target status value.
func Status(status string) error {
	var verr Error
	if !domain.ValidStatus(status) {
		verr.add("status", "must be one of pending, in-progress, resolved, rejected")
	}
	return verr.orNil()
}

// Department validates an assignment target.
func Department(dept string) error {
	var verr Error
	if dept == "" {
		verr.add("department", "required")
	} else if !domain.ValidDepartment(dept) {
		verr.add("department", "unknown department")
	}
	return verr.orNil()
}
