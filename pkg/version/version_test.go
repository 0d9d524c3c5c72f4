package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String()
	if !strings.Contains(s, Version) {
		t.Errorf("expected %q to contain version %q", s, Version)
	}
	if !strings.Contains(s, GoVersion) {
		t.Errorf("expected %q to contain go version %q", s, GoVersion)
	}
}
