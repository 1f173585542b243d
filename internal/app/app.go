// Package app wires the workspace together: config, database, migrations,
// blob store and the engine. The CLI, the server and the tests all boot
// through it.
package app

import (
	"database/sql"
	"fmt"

	"civicdesk/internal/config"
	"civicdesk/internal/db"
	"civicdesk/internal/engine"
	"civicdesk/internal/migrate"
	"civicdesk/internal/storage"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Store     storage.Disk
}

// Open loads config, opens the workspace database, applies migrations and
// builds the engine.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	uploads, err := db.UploadsDir(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	store, err := storage.NewDisk(uploads)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
		Store:     store,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
