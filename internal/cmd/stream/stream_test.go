package stream

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.TablePath != "phenobase.csv" {
		t.Fatalf("expected default table path, got %q", cfg.TablePath)
	}
	if cfg.Debounce != 0 {
		t.Fatalf("expected zero debounce default, got %v", cfg.Debounce)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("PHENOSTREAM_HTTP_ADDR", "env-addr")
	t.Setenv("PHENOSTREAM_TABLE_PATH", "env-table.csv")
	t.Setenv("PHENOSTREAM_DEBOUNCE", "2s")

	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-csv", "flag-table.csv",
		"-projection-seed", "7",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.TablePath != "flag-table.csv" {
		t.Fatalf("expected flag table path, got %q", cfg.TablePath)
	}
	if cfg.Debounce != 2*time.Second {
		t.Fatalf("expected env debounce, got %v", cfg.Debounce)
	}
	if cfg.ProjectionSeed != 7 {
		t.Fatalf("expected flag projection seed, got %d", cfg.ProjectionSeed)
	}
}
