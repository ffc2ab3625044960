package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/go-sql-driver/mysql"
	"github.com/grafana/dskit/user"
	"gopkg.in/yaml.v3"

	"github.com/ariyn/querygate/internal/querygate/builder"
	"github.com/ariyn/querygate/internal/querygate/exec"
	"github.com/ariyn/querygate/internal/querygate/export"
	"github.com/ariyn/querygate/internal/querygate/store"
	"github.com/ariyn/querygate/internal/querygate/types"
	"github.com/ariyn/querygate/querygate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "querygate: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config  string
	tenant  string
	sql     string
	options string
	format  string
	out     string
	explain bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("querygate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&f.tenant, "tenant", "", "Tenant (project) the query is scoped to")
	fs.StringVar(&f.sql, "sql", "", "Raw SELECT to validate and run")
	fs.StringVar(&f.options, "options", "", "Path to structured query options (JSON or YAML)")
	fs.StringVar(&f.format, "format", "", "Output format: csv, json or parquet (default from -out, else json)")
	fs.StringVar(&f.out, "out", "", "Output file (default stdout)")
	fs.BoolVar(&f.explain, "explain", false, "Print the compiled SQL and parameters without running it")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.tenant == "" {
		return nil, fmt.Errorf("-tenant is required")
	}
	if (f.sql == "") == (f.options == "") {
		return nil, fmt.Errorf("exactly one of -sql or -options is required")
	}
	return f, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger := level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(stderr)), level.AllowInfo())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	ccfg, err := cfg.Compiler.compilerConfig()
	if err != nil {
		return err
	}
	c, err := querygate.New(ccfg, querygate.WithLogger(logger))
	if err != nil {
		return err
	}

	q, err := compile(c, f)
	if err != nil {
		return err
	}
	if f.explain {
		return explain(stdout, q)
	}

	format, err := outputFormat(f)
	if err != nil {
		return err
	}

	db, closeDB, err := openStore(ctx, cfg, c)
	if err != nil {
		return err
	}
	defer closeDB()

	timeout, err := cfg.Store.timeout()
	if err != nil {
		return err
	}
	e := exec.NewSQLExecutor(db, c.Dialect(), exec.WithLogger(logger), exec.WithTimeout(timeout))
	rows, err := c.Run(user.InjectOrgID(ctx, f.tenant), e, q)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "query finished", "tenant", f.tenant, "rows", rows.Len())

	if f.out == "" {
		return export.Write(stdout, format, rows)
	}
	file, err := os.Create(f.out)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", f.out, err)
	}
	return writeAndClose(file, f.out, format, rows)
}

// writeAndClose exports rows to wc and reports a failed close, which is
// where buffered file writes surface their errors.
func writeAndClose(wc io.WriteCloser, name string, format export.Format, rows *types.Rows) error {
	if err := export.Write(wc, format, rows); err != nil {
		_ = wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close file %s: %w", name, err)
	}
	return nil
}

func compile(c *querygate.Compiler, f *flags) (*types.CompiledQuery, error) {
	if f.sql != "" {
		return c.ValidateAndTranspile(f.sql, f.tenant)
	}
	b, err := os.ReadFile(f.options)
	if err != nil {
		return nil, fmt.Errorf("read options %s: %w", f.options, err)
	}
	var opts builder.SelectOptions
	switch strings.ToLower(filepath.Ext(f.options)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &opts)
	default:
		err = json.Unmarshal(b, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("parse options %s: %w", f.options, err)
	}
	// The flag decides the tenant; a tenant inside the file is ignored.
	opts.Tenant = f.tenant
	return c.BuildSelectQuery(opts)
}

func explain(w io.Writer, q *types.CompiledQuery) error {
	params := make(map[string]any, len(q.Params))
	for name, p := range q.Params {
		params[name] = map[string]any{"value": p.Value, "type": p.DBType}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"sql":      q.SQL,
		"params":   params,
		"warnings": q.Warnings,
	})
}

func outputFormat(f *flags) (export.Format, error) {
	switch {
	case f.format != "":
		return export.ParseFormat(f.format)
	case f.out != "":
		return export.ParseFormat(filepath.Ext(f.out))
	}
	return export.JSON, nil
}

// openStore opens the configured database. A sqlite store gets the catalog
// tables created and the seed files loaded.
func openStore(ctx context.Context, cfg *FileConfig, c *querygate.Compiler) (*sql.DB, func(), error) {
	driver := cfg.Store.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	if driver != c.Dialect().DriverName() {
		return nil, nil, fmt.Errorf("store driver %s does not match dialect %s", cfg.Store.Driver, c.Dialect().Name())
	}
	switch driver {
	case "sqlite3":
		s, err := store.OpenSQLite(cfg.Store.DSN, c.Registry())
		if err != nil {
			return nil, nil, err
		}
		if err := seedStore(ctx, s, c.Registry(), cfg.Seed); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s.DB(), func() { _ = s.Close() }, nil
	case "mysql":
		if len(cfg.Seed) > 0 {
			return nil, nil, fmt.Errorf("seed files are only supported with the sqlite3 store")
		}
		db, err := sql.Open("mysql", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
}
