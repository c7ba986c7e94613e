package classify

import "testing"

func TestKeywordClassification(t *testing.T) {
	c := NewKeywordClassifier()

	cases := []struct {
		description string
		want        string
	}{
		{"Fix typo in readme", "documentation"},
		{"Update API docs for v2", "documentation"},
		{"Patch SQL injection in login form", "security"},
		{"Add index to users table", "database"},
		{"Refactor the billing module", "architecture"},
		{"Fix flaky integration test", "testing"},
		{"Correct spelling of recieve", "typo"},
		{"Run gofmt across the tree", "formatting"},
		{"Fix crash on empty input", "bugfix"},
		{"Implement CSV export", "feature"},
		{"Investigate customer report", "general"},
		{"SECURITY review of auth flow", "security"},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.description); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.description, got, tc.want)
		}
	}
}
