package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer abc.def.ghi", "", "abc.def.ghi"},
		{"header lowercase scheme", "bearer abc.def.ghi", "", "abc.def.ghi"},
		{"header extra whitespace", "  Bearer   abc.def.ghi  ", "", "abc.def.ghi"},
		{"query param", "", "abc.def.ghi", "abc.def.ghi"},
		{"header wins over query", "Bearer from-header", "from-query", "from-header"},
		{"empty bearer falls through to query", "Bearer ", "from-query", "from-query"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", ""},
		{"missing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/realtime/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(r); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
