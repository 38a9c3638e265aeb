package app

import (
	"database/sql"
	"fmt"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/engine"
	"siteline/internal/migrate"
)

// Context bundles everything a CLI command needs against one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// Load opens the workspace database, applies pending migrations and
// builds the engine. The config file must exist; run init first.
func Load(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return open(workspace, cfg)
}

// LoadOrDefault is Load, except a missing config file falls back to the
// defaults instead of failing. Used by read-only commands so a fresh
// checkout can still inspect an existing database.
func LoadOrDefault(workspace, namespace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(namespace)
	}
	return open(workspace, cfg)
}

func open(workspace string, cfg *config.Config) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
