package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice", "Alice"},
		{"  Alice   Example  ", "Alice Example"},
		{"Alice Example@Ultros", "Alice Example@Ultros"},
		{"Y'shtola Rhul", "Y'shtola Rhul"},
		{"", ""},
		{"1337", ""},
		{"Alice<script>", ""},
		{"Alice@", ""},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocal_Set(t *testing.T) {
	l := NewLocal("bad<id>")
	if l.CurrentIdentity() != "" {
		t.Fatalf("Expected invalid initial id to be dropped, got %q", l.CurrentIdentity())
	}
	if !l.Set("Alice") {
		t.Fatal("Expected valid id to be accepted")
	}
	if l.Set("") {
		t.Error("Expected empty id to be rejected")
	}
	if l.CurrentIdentity() != "Alice" {
		t.Errorf("Expected Alice, got %q", l.CurrentIdentity())
	}
}

func TestMiddleware(t *testing.T) {
	local := NewLocal("Local Player")

	var got string
	h := Middleware(local)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header wins", "Bob", "", "Bob"},
		{"query fallback", "", "?player=Carol", "Carol"},
		{"invalid falls back to local", "<nope>", "", "Local Player"},
		{"missing falls back to local", "", "", "Local Player"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	if got := IPFromRequest(req); got != "10.0.0.5" {
		t.Errorf("Expected 10.0.0.5, got %s", got)
	}
	req.RemoteAddr = "not-an-addr"
	if got := IPFromRequest(req); got != "not-an-addr" {
		t.Errorf("Expected raw addr, got %s", got)
	}
}
