package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/HerbHall/carbonsight/internal/config"
	"github.com/HerbHall/carbonsight/internal/insight"
	"github.com/HerbHall/carbonsight/internal/store"
	"github.com/HerbHall/carbonsight/internal/version"
)

// runSchema prints the database's recorded application version and the
// migrations applied for each plugin.
func runSchema(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	dbOverride := fs.String("db", "", "database path (overrides config)")
	_ = fs.Parse(args)

	dbPath := *dbOverride
	if dbPath == "" {
		v, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		dbPath = v.GetString("database.path")
	}

	db, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := printSchema(ctx, os.Stdout, db, dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "schema: %v\n", err)
		os.Exit(1)
	}
}

func printSchema(ctx context.Context, out io.Writer, db *store.SQLiteStore, dbPath string) error {
	stored, err := db.StoredVersion(ctx)
	if err != nil {
		return err
	}
	if stored == "" {
		stored = "(none)"
	}
	fmt.Fprintf(out, "database: %s\nrecorded version: %s\nbinary version: %s\n\n", dbPath, stored, version.Short())

	applied, err := db.AppliedMigrations(ctx, insight.PluginName)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tVERSION\tDESCRIPTION\tAPPLIED")
	for _, m := range applied {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", insight.PluginName, m.Version, m.Description, m.AppliedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
