package main

import "testing"

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "commit appended", version: "v0.3.0", commit: "4f2a9c1d0b7e", want: "v0.3.0+4f2a9c1d0b7e"},
		{name: "commit already in version", version: "v0.3.0-4f2a9c1d0b7e", commit: "4f2a9c1d0b7e", want: "v0.3.0-4f2a9c1d0b7e"},
		{name: "trims whitespace", version: " 1.0 ", commit: " a1 ", want: "1.0+a1"},
		{name: "empty version with commit", version: "", commit: "abc", want: "dev+abc"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() {
		version, commit = origVersion, origCommit
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version = tt.version
			commit = tt.commit
			if got := versionString(); got != tt.want {
				t.Fatalf("versionString() = %q, want %q", got, tt.want)
			}
		})
	}
}
