package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime }()

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2026-01-02"
	if got, want := String(), "1.2.0 (abc123) built 2026-01-02"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
