package validate

import (
	"errors"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestLocationRequiresAddress(t *testing.T) {
	_, err := Location(LocationInput{Street: " ", City: "", State: "x", ZipCode: "34000"})
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %+v", verr.Fields)
	}
}

func TestLocationDefaultsCoordinates(t *testing.T) {
	loc, err := Location(LocationInput{Street: "Main St", City: "Izmir", State: "IZ", ZipCode: "35000"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if loc.Longitude != 0 || loc.Latitude != 0 {
		t.Fatalf("expected (0,0) default, got (%v,%v)", loc.Longitude, loc.Latitude)
	}
}

func TestLocationCoordinateRange(t *testing.T) {
	_, err := Location(LocationInput{
		Street: "Main St", City: "Izmir", State: "IZ", ZipCode: "35000",
		Longitude: f64(200), Latitude: f64(10),
	})
	if err == nil {
		t.Fatalf("expected range error")
	}
	loc, err := Location(LocationInput{
		Street: "Main St", City: "Izmir", State: "IZ", ZipCode: "35000",
		Longitude: f64(27.14), Latitude: f64(38.42),
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if loc.Longitude != 27.14 || loc.Latitude != 38.42 {
		t.Fatalf("coordinates lost")
	}
}

func TestLocationHalfPairRejected(t *testing.T) {
	_, err := Location(LocationInput{
		Street: "Main St", City: "Izmir", State: "IZ", ZipCode: "35000",
		Longitude: f64(27.14),
	})
	if err == nil {
		t.Fatalf("expected error for lone longitude")
	}
}

func TestRequestDefaultsAndEnums(t *testing.T) {
	in, err := Request(RequestInput{Title: "Broken streetlight", Description: "Dark corner", Category: "streetlight"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if in.Priority != "medium" {
		t.Fatalf("expected default priority medium, got %s", in.Priority)
	}
	if _, err := Request(RequestInput{Title: "x", Description: "y", Category: "plumbing"}); err == nil {
		t.Fatalf("expected category error")
	}
	if _, err := Request(RequestInput{Title: "x", Description: "y", Category: "repair", Priority: "urgent"}); err == nil {
		t.Fatalf("expected priority error")
	}
}

func TestCommentText(t *testing.T) {
	if _, err := CommentText("   "); err == nil {
		t.Fatalf("expected empty text error")
	}
	text, err := CommentText("  hello ")
	if err != nil || text != "hello" {
		t.Fatalf("expected trimmed text, got %q %v", text, err)
	}
}
