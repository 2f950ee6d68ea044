package metrics

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/v1", "/v1"},
		{"/v1/credits", "/v1/credits"},
		{"/v1/credits/history", "/v1/credits/history"},
		{"/v1/staging/images", "/v1/staging/images"},
		{"/v1/staging/jobs/8c2f1a", "/v1/staging/jobs/:job"},
		{"/v1/tools/declutter", "/v1/tools/:tool"},
		{"/v1/billing/webhook", "/v1/billing/webhook"},
	}
	for _, tc := range cases {
		if got := canonicalPath(tc.raw); got != tc.want {
			t.Errorf("canonicalPath(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
