package web

import (
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNavBar(t *testing.T) {
	tests := []struct {
		name       string
		activePath string
		query      url.Values
		wantActive []bool
		wantURIs   []string
	}{
		{
			name:       "list page",
			activePath: "/hub",
			wantActive: []bool{true, false},
			wantURIs:   []string{"/hub", "/metrics"},
		},
		{
			name:       "detail page below list",
			activePath: "/hub/acme/counter",
			wantActive: []bool{true, false},
			wantURIs:   []string{"/hub", "/metrics"},
		},
		{
			name:       "query param carried over",
			activePath: "/hub/",
			query:      url.Values{"q": {"count"}, "other": {"x"}},
			wantActive: []bool{true, false},
			wantURIs:   []string{"/hub?q=count", "/metrics"},
		},
		{
			name:       "no prefix match within a segment",
			activePath: "/hubs",
			wantActive: []bool{false, false},
			wantURIs:   []string{"/hub", "/metrics"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nav := NewNavBar(
				NavItem("/hub", "Blocks").Params("q"),
				NavItem("/metrics", "Metrics"),
			).SetActive(tt.activePath).SetParams(tt.query)

			var gotActive []bool
			var gotURIs []string
			for _, n := range nav {
				gotActive = append(gotActive, n.Active)
				gotURIs = append(gotURIs, n.URI())
			}
			if diff := cmp.Diff(tt.wantActive, gotActive); diff != "" {
				t.Errorf("Active mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantURIs, gotURIs); diff != "" {
				t.Errorf("URI mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "heading and paragraph",
			input: "# Counter\n\nCounts *things*.",
			want:  "<h1>Counter</h1>\n<p>Counts <em>things</em>.</p>\n",
		},
		{
			name:  "raw html removed",
			input: "Hello <script>alert(1)</script>",
			want:  "<p>Hello alert(1)</p>\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := markdown(tt.input)
			if err != nil {
				t.Fatalf("markdown() error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("markdown() = %q, want %q", string(got), tt.want)
			}
		})
	}
}

func TestMarkdown_DangerousLinks(t *testing.T) {
	got, err := markdown("[click](javascript:alert(1)) <a href=\"javascript:alert(2)\" onclick=\"x()\">x</a>")
	if err != nil {
		t.Fatalf("markdown() error: %v", err)
	}
	for _, bad := range []string{"javascript:", "onclick"} {
		if strings.Contains(string(got), bad) {
			t.Errorf("markdown() = %q, contains %q", string(got), bad)
		}
	}
}

func TestReadmeSummary(t *testing.T) {
	tests := []struct {
		name   string
		readme string
		want   string
	}{
		{"empty", "", ""},
		{"heading only", "# Counter\n", ""},
		{"first paragraph", "# Counter\n\nA block that\ncounts **clicks**.\n\nSecond paragraph.", "A block that counts clicks."},
		{"long", strings.Repeat("word ", 100), strings.Repeat("word ", 40)[:maxSummaryLen-1] + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := readmeSummary(tt.readme); got != tt.want {
				t.Errorf("readmeSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}
