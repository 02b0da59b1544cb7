package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v1.2.3"

	if Short() != "v1.2.3" {
		t.Errorf("Short() = %q", Short())
	}
	if !strings.HasPrefix(Info(), "carbonsight v1.2.3 (commit ") {
		t.Errorf("Info() = %q", Info())
	}
	if Map()["version"] != "v1.2.3" || Map()["go_version"] == "" {
		t.Errorf("Map() = %v", Map())
	}
}
