package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?limit=50&offset=10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?limit=500", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?offset=-5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestParse_CustomMax(t *testing.T) {
	p := Parse("5000", "3", 100, 1000)
	if p.Limit != 1000 || p.Offset != 3 {
		t.Errorf("unexpected params: %+v", p)
	}
	p = Parse("abc", "", 100, 1000)
	if p.Limit != 100 {
		t.Errorf("expected fallback limit 100, got %d", p.Limit)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 50, 20, 0)
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}
	if resp.Total != 50 {
		t.Errorf("expected total 50, got %d", resp.Total)
	}

	resp = NewResponse([]string{"a"}, 21, 20, 20)
	if resp.HasMore {
		t.Error("expected HasMore to be false on the last page")
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		p          Params
		n          int
		start, end int
	}{
		{Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{Params{Limit: 10, Offset: 30}, 25, 25, 25},
	}
	for _, tt := range tests {
		s, e := tt.p.Window(tt.n)
		if s != tt.start || e != tt.end {
			t.Errorf("Window(%d) with %+v = (%d,%d), want (%d,%d)", tt.n, tt.p, s, e, tt.start, tt.end)
		}
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	if !p.HasNext(25) {
		t.Error("expected HasNext to be true")
	}
	p.Offset = 20
	if p.HasNext(25) {
		t.Error("expected HasNext to be false")
	}
}
