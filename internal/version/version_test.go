package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.10.0", "1.9.9", 1},
		{"2.0", "1.99.99", 1},
		{"0.4.0", "0.4", 0},
		{"0.5.0-rc1", "0.5.0", -1},
		{"0.5.0", "0.5.0-rc1", 1},
		{"0.5.0-rc1", "0.5.0-rc2", -1},
		{"0.5.0+build7", "0.5.0", 0},
	}

	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTruncateNotes(t *testing.T) {
	if got := truncateNotes("  first line \nsecond line", 200); got != "first line" {
		t.Fatalf("expected first line only, got %q", got)
	}
	long := strings.Repeat("x", 50)
	if got := truncateNotes(long, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected 20 chars ending in ellipsis, got %q", got)
	}
}

func TestCheckNowReportsNewerRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Elastisched/") {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.com/r","body":"Big release\nDetails"}`))
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop(), WithReleaseURL(srv.URL))

	info, err := c.CheckNow(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !info.UpdateAvailable {
		t.Fatalf("expected update available, got %+v", info)
	}
	if info.LatestVersion != "99.0.0" || info.ReleaseNotes != "Big release" {
		t.Fatalf("unexpected info %+v", info)
	}
	if c.Info() != info {
		t.Fatalf("expected Info to return the recorded result, got %+v", c.Info())
	}
}

func TestCheckNowKeepsInfoOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"draft release", http.StatusOK, `{"tag_name":"v99.0.0","draft":true}`},
		{"garbage", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			c := NewChecker(zerolog.Nop(), WithReleaseURL(srv.URL))
			info, err := c.CheckNow(context.Background())
			if err == nil {
				t.Fatal("expected check to fail")
			}
			if info.UpdateAvailable || info.CurrentVersion != Version || info.LatestVersion != "" {
				t.Fatalf("expected unchanged info, got %+v", info)
			}
		})
	}
}
