// Package seed replays phenobase growth for local development. It backs up
// the real table, truncates it to a starting prefix, then appends the backed
// up rows in timed batches so a running stream service sees realistic
// incremental growth.
package seed

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/phenostream/internal/platform/cmd"
)

const headerLines = 2

// Config holds seed command configuration.
type Config struct {
	TablePath string        `env:"PHENOSTREAM_TABLE_PATH" envDefault:"phenobase.csv"`
	Initial   int           `env:"PHENOSTREAM_SEED_INITIAL" envDefault:"10"`
	Batch     int           `env:"PHENOSTREAM_SEED_BATCH" envDefault:"1"`
	Interval  time.Duration `env:"PHENOSTREAM_SEED_INTERVAL" envDefault:"5s"`
	Steps     int           `env:"PHENOSTREAM_SEED_STEPS"`
	Reset     bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.TablePath, "csv", cfg.TablePath, "path to the phenobase CSV to replay")
	fs.IntVar(&cfg.Initial, "initial", cfg.Initial, "rows to keep before replay starts")
	fs.IntVar(&cfg.Batch, "batch", cfg.Batch, "rows appended per step")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "delay between append steps")
	fs.IntVar(&cfg.Steps, "steps", cfg.Steps, "append steps to run (0 = until rows run out)")
	fs.BoolVar(&cfg.Reset, "reset", cfg.Reset, "restore the full table from backup and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BackupPath returns the sibling file holding the full original table.
func BackupPath(tablePath string) string {
	return tablePath + ".bak"
}

// Run executes the seed command.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if strings.TrimSpace(cfg.TablePath) == "" {
		return errors.New("table path is required")
	}

	backupPath := BackupPath(cfg.TablePath)

	if cfg.Reset {
		return restore(cfg.TablePath, backupPath, out)
	}

	if cfg.Initial < 0 {
		return errors.New("initial row count must not be negative")
	}
	if cfg.Batch <= 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	header, rows, err := loadFullTable(cfg.TablePath, backupPath)
	if err != nil {
		return err
	}
	if cfg.Initial >= len(rows) {
		return fmt.Errorf("table has %d rows, nothing to replay beyond initial %d", len(rows), cfg.Initial)
	}

	if err := writeLines(cfg.TablePath, append(append([]string{}, header...), rows[:cfg.Initial]...)); err != nil {
		return fmt.Errorf("truncate table: %w", err)
	}
	fmt.Fprintf(out, "truncated %s to %d row(s); %d row(s) queued for replay\n", cfg.TablePath, cfg.Initial, len(rows)-cfg.Initial)

	return replay(ctx, cfg, rows, out)
}

func replay(ctx context.Context, cfg Config, rows []string, out io.Writer) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	next := cfg.Initial
	step := 0
	for next < len(rows) {
		if cfg.Steps > 0 && step >= cfg.Steps {
			fmt.Fprintf(out, "stopping after %d step(s), %d row(s) left unreplayed\n", step, len(rows)-next)
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "interrupted, %d row(s) left unreplayed\n", len(rows)-next)
			return nil
		case <-ticker.C:
		}

		end := next + cfg.Batch
		if end > len(rows) {
			end = len(rows)
		}
		if err := appendLines(cfg.TablePath, rows[next:end]); err != nil {
			return fmt.Errorf("append batch: %w", err)
		}
		fmt.Fprintf(out, "appended %d row(s), table now holds %d row(s)\n", end-next, end)
		next = end
		step++
	}

	fmt.Fprintf(out, "replay complete: %d row(s)\n", len(rows))
	return nil
}

// loadFullTable returns the header and data rows of the complete table. The
// first run snapshots the live table into the backup; later runs replay from
// the existing backup so repeated truncation never loses rows.
func loadFullTable(tablePath, backupPath string) (header []string, rows []string, err error) {
	if _, statErr := os.Stat(backupPath); errors.Is(statErr, os.ErrNotExist) {
		data, readErr := os.ReadFile(tablePath)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read table: %w", readErr)
		}
		if writeErr := os.WriteFile(backupPath, data, 0o644); writeErr != nil {
			return nil, nil, fmt.Errorf("write backup: %w", writeErr)
		}
	} else if statErr != nil {
		return nil, nil, fmt.Errorf("stat backup: %w", statErr)
	}

	lines, err := readLines(backupPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read backup: %w", err)
	}
	if len(lines) < headerLines {
		return nil, nil, fmt.Errorf("backup %s is missing the two header rows", backupPath)
	}
	return lines[:headerLines], lines[headerLines:], nil
}

func restore(tablePath, backupPath string, out io.Writer) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no backup at %s, nothing to restore", backupPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := os.WriteFile(tablePath, data, 0o644); err != nil {
		return fmt.Errorf("restore table: %w", err)
	}
	fmt.Fprintf(out, "restored %s from %s\n", tablePath, backupPath)
	return nil
}

// readLines splits the file into lines, preserving the original row text
// byte for byte and dropping a trailing empty line.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func appendLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	return err
}
