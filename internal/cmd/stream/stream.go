// Package stream parses stream command flags and composes the watch and
// broadcast entrypoint.
package stream

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/phenostream/internal/platform/cmd"
	server "github.com/louisbranch/phenostream/internal/services/stream/app"
)

// Config holds stream command configuration.
type Config struct {
	HTTPAddr               string        `env:"PHENOSTREAM_HTTP_ADDR"       envDefault:":8090"`
	TablePath              string        `env:"PHENOSTREAM_TABLE_PATH"      envDefault:"phenobase.csv"`
	IdentityColumn         string        `env:"PHENOSTREAM_IDENTITY_COLUMN"`
	Debounce               time.Duration `env:"PHENOSTREAM_DEBOUNCE"`
	DeliveryTimeout        time.Duration `env:"PHENOSTREAM_DELIVERY_TIMEOUT"`
	ProjectionSeed         int64         `env:"PHENOSTREAM_PROJECTION_SEED"`
	FeatureCount           int           `env:"PHENOSTREAM_FEATURE_COUNT"`
	MarkPendingWhileFrozen bool          `env:"PHENOSTREAM_MARK_PENDING_WHILE_FROZEN"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "stream HTTP listen address")
	fs.StringVar(&cfg.TablePath, "csv", cfg.TablePath, "path to the observed phenobase CSV")
	fs.StringVar(&cfg.IdentityColumn, "identity-column", cfg.IdentityColumn, "unique-per-row column used to identify new rows")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "quiet window applied to filesystem signals")
	fs.DurationVar(&cfg.DeliveryTimeout, "delivery-timeout", cfg.DeliveryTimeout, "bound on one broadcast delivery attempt")
	fs.Int64Var(&cfg.ProjectionSeed, "projection-seed", cfg.ProjectionSeed, "deterministic projection seed")
	fs.IntVar(&cfg.FeatureCount, "feature-count", cfg.FeatureCount, "synthetic feature dimensionality")
	fs.BoolVar(&cfg.MarkPendingWhileFrozen, "mark-pending-while-frozen", cfg.MarkPendingWhileFrozen, "mark the projection stale even while a viewer is frozen")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the stream app and starts watching and serving.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStream, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:               cfg.HTTPAddr,
			TablePath:              cfg.TablePath,
			IdentityColumn:         cfg.IdentityColumn,
			Debounce:               cfg.Debounce,
			DeliveryTimeout:        cfg.DeliveryTimeout,
			ProjectionSeed:         cfg.ProjectionSeed,
			FeatureCount:           cfg.FeatureCount,
			MarkPendingWhileFrozen: cfg.MarkPendingWhileFrozen,
		}); err != nil {
			return fmt.Errorf("serve stream: %w", err)
		}
		return nil
	})
}
