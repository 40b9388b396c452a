package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=25&offset=10"))

	if p.Limit != 25 {
		t.Errorf("expected limit 25, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=5000"))

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=abc&offset=-5"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for non-numeric input, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b", "c"}
	r := NewResponse(data, 10, 3, 0)

	if r.Total != 10 {
		t.Errorf("expected total 10, got %d", r.Total)
	}
	if !r.HasMore {
		t.Error("expected has_more to be true when offset+limit < total")
	}
	if r.NextOffset == nil || *r.NextOffset != 3 {
		t.Errorf("expected next_offset 3, got %v", r.NextOffset)
	}

	r2 := NewResponse(data, 3, 3, 0)
	if r2.HasMore {
		t.Error("expected has_more to be false when offset+limit >= total")
	}
	if r2.NextOffset != nil {
		t.Errorf("expected no next_offset on the last page, got %d", *r2.NextOffset)
	}
}

func TestParams_HasNext(t *testing.T) {
	tests := []struct {
		offset, limit, total int
		want                 bool
	}{
		{0, 10, 25, true},
		{10, 10, 25, true},
		{20, 10, 25, false},
		{0, 10, 10, false},
		{0, 10, 0, false},
	}
	for _, tt := range tests {
		p := Params{Limit: tt.limit, Offset: tt.offset}
		if got := p.HasNext(tt.total); got != tt.want {
			t.Errorf("HasNext(offset=%d, limit=%d, total=%d) = %v, want %v", tt.offset, tt.limit, tt.total, got, tt.want)
		}
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Errorf("expected 60, got %d", p.NextOffset())
	}
}
