package app

import (
	"database/sql"
	"fmt"
	"os"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/migrate"
)

// Context holds the wired application for one workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open boots the application: opens the workspace database, applies
// migrations, loads caseline.yml (writing the default one on first run)
// and wires the engine.
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default-org")
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("default-org")), 0o644); err != nil {
			conn.Close()
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
