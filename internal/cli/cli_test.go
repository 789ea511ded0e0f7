package cli

import (
	"bytes"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	got, err := run(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(got, "reconciler ") {
		t.Errorf("version output = %q", got)
	}
}

func TestSeriesExpand(t *testing.T) {
	got, err := run(t, "series", "expand", "--start", "2024-01-01", "--end", "2024-01-29", "--time", "10:30", "--price", "1500")
	if err != nil {
		t.Fatalf("series expand error: %v", err)
	}
	if !strings.Contains(got, "5 occurrences, total 7500") {
		t.Errorf("series expand output = %q", got)
	}
	if !strings.Contains(got, "2024-01-29T10:30:00Z") {
		t.Errorf("end date should be inclusive: %q", got)
	}
}

func TestSeriesExpand_TooLong(t *testing.T) {
	if _, err := run(t, "series", "expand", "--start", "2024-01-01", "--end", "2026-01-01"); err == nil {
		t.Error("two-year series should fail")
	}
}

func TestMigrateAndFoundingStatus(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RECONCILER_HOME", home)
	t.Setenv("RECONCILER_DATABASE_DRIVER", "sqlite")

	got, err := run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	if !strings.Contains(got, "Schema up to date (sqlite") {
		t.Errorf("migrate output = %q", got)
	}

	got, err = run(t, "founding", "status")
	if err != nil {
		t.Fatalf("founding status error: %v", err)
	}
	if !strings.Contains(got, "0/100 assigned, 100 remaining") {
		t.Errorf("founding status output = %q", got)
	}
}
