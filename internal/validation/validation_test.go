package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f", "6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f", true},
		{"6F1C2A4E-9B3D-4C1A-8E2F-0A1B2C3D4E5F", "6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f", true},
		{"  6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f ", "6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f", true},

		// Invalid cases
		{"6f1c2a4e9b3d4c1a8e2f0a1b2c3d4e5f", "", false},       // No dashes
		{"{6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f}", "", false}, // Braced
		{"6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5g", "", false},   // Invalid char
		{"64b7f1e2c9a1b2c3d4e5f6a7", "", false},               // Object id
		{"", "", false},
	}

	for _, tc := range tests {
		got, ok := NormalizeID(tc.in)
		if ok != tc.valid || got != tc.want {
			t.Errorf("NormalizeID(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("code", "4821", 16)(); err != nil {
		t.Errorf("short value rejected: %v", err)
	}
	if err := MaxLength("code", "12345678901234567", 16)(); err == nil {
		t.Error("long value accepted")
	} else if err.Field != "code" {
		t.Errorf("field = %q", err.Field)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("listingId", ""),
		ValidID("claimerId", "nope"),
		MaxLength("note", "abcdef", 3),
		ValidID("holdId", "6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "listingId: is required" {
		t.Errorf("unexpected first error: %s", errs.Error())
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/holds/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/holds/not-a-uuid", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/holds/6f1c2a4e-9b3d-4c1a-8e2f-0a1b2c3d4e5f", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for valid id, got %d", w.Code)
	}
}
