package validators

import (
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
)

func TestSanitizeStringCollapsesWhitespace(t *testing.T) {
	got := SanitizeString("  12 Orchard Lane\n\tSpringfield  ", 0)
	if got != "12 Orchard Lane Springfield" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
}

func TestSanitizeStringTruncatesRunes(t *testing.T) {
	got := SanitizeString("Café Rüe", 4)
	if got != "Café" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}

func TestDecodeJSONBodyReportsJSONFieldNames(t *testing.T) {
	var payload struct {
		Status string `json:"status" validate:"required,oneof=pending delivered"`
	}
	req := httptest.NewRequest("PATCH", "/", strings.NewReader(`{"status":"shipped"}`))
	err := DecodeJSONBody(req, &payload)
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := pkgerrors.As(err).Details().(map[string]string)
	if !ok {
		t.Fatalf("unexpected details %#v", pkgerrors.As(err).Details())
	}
	if details["status"] != "must be one of: pending, delivered" {
		t.Fatalf("unexpected message %q", details["status"])
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	var payload struct {
		Quantity int `json:"quantity"`
	}
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"quantity":1,"price":"0.01"}`))
	if err := DecodeJSONBody(req, &payload); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseQueryIntBounds(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=500", nil)
	if _, err := ParseQueryInt(req, "limit", 20, 1, 100); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected out of range error, got %v", err)
	}
	req = httptest.NewRequest("GET", "/", nil)
	got, err := ParseQueryInt(req, "limit", 20, 1, 100)
	if err != nil || got != 20 {
		t.Fatalf("expected default 20, got %d err=%v", got, err)
	}
}
