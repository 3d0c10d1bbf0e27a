package app

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/cli"
	"github.com/design4music/sni-platform-sub000/internal/config"
	"github.com/design4music/sni-platform-sub000/internal/db"
	"github.com/design4music/sni-platform-sub000/internal/globaltime"
	"github.com/design4music/sni-platform-sub000/internal/logging"
	"github.com/design4music/sni-platform-sub000/internal/taxonomy"
)

// runtime bundles what every command boots: validated config, logger and the
// database pool. Callers must Close it.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *db.Pool
}

func (rt *runtime) Close() {
	if rt != nil && rt.pool != nil {
		_ = rt.pool.Close()
	}
}

// bootstrap finishes the startup sequence after flag parsing: env file,
// config, logger, database. Config and schema failures are fatal here, never
// retried.
func bootstrap(ctx context.Context, envLoader *cli.EnvLoader) (*runtime, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, pool: pool}, nil
}

// loadTaxonomy reads and compiles the taxonomy file and mirrors its centroid
// definitions into sni.centroids so routing joins always have reference rows.
func loadTaxonomy(ctx context.Context, rt *runtime) (*taxonomy.Index, error) {
	file, err := taxonomy.LoadFile(rt.cfg.TaxonomyPath)
	if err != nil {
		return nil, err
	}

	const q = `
INSERT INTO sni.centroids (centroid_id, label, class, country_code, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (centroid_id) DO UPDATE SET
	label = EXCLUDED.label,
	class = EXCLUDED.class,
	country_code = EXCLUDED.country_code
`
	now := globaltime.UTC()
	for _, c := range file.Centroids {
		var country *string
		if c.CountryCode != "" {
			country = &c.CountryCode
		}
		if _, err := rt.pool.Exec(ctx, q, c.ID, c.Label, c.Class, country, now); err != nil {
			return nil, fmt.Errorf("seed centroid %s: %w", c.ID, err)
		}
	}

	return taxonomy.Compile(file.Entries), nil
}

func parseFlags(fs *flag.FlagSet, args []string) (ok bool, exit int) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return false, 0
		}
		return false, 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s does not accept positional args\n", fs.Name())
		return false, 2
	}
	return true, 0
}
