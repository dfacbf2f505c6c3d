package storage

import "testing"

func TestInitials(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Drex Santos", "DS"},
		{"  ana  ", "AN"},
		{"maria clara de la cruz", "MC"},
		{"", "?"},
		{"!!", "?"},
		{"J", "J"},
	}
	for _, tt := range tests {
		if got := Initials(tt.name); got != tt.want {
			t.Fatalf("Initials(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	if got := normalizeName("  Drex \t  Santos\n"); got != "Drex Santos" {
		t.Fatalf("normalizeName() = %q, want %q", got, "Drex Santos")
	}
}
