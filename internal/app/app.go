package app

import (
	"context"
	"database/sql"
	"fmt"

	"loom/internal/config"
	"loom/internal/db"
	"loom/internal/domain"
	"loom/internal/engine"
	"loom/internal/identity"
	"loom/internal/migrate"
)

// Workspace bundles the opened store, its config, and the engine built
// over both. One Workspace per physical store; multiple processes may
// hold one concurrently.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace store, applies pending migrations, loads
// loom.yml (or defaults), and wires the engine. Migrations run before
// anything touches the store.
func Open(workspace string) (*Workspace, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// ResolveActor resolves the acting principal for one CLI or server
// operation, applying the workspace's registration policy.
func (w *Workspace) ResolveActor(ctx context.Context, explicit, flag string) (domain.ActorContext, error) {
	actor, err := identity.ResolveActor(identity.ResolveOptions{
		Explicit:      explicit,
		CLIFlag:       flag,
		ConfigDefault: w.Config.Identity.DefaultActor,
	})
	if err != nil {
		return domain.ActorContext{}, err
	}
	if !w.Config.Identity.AllowUnregisteredActor {
		if err := identity.RequireRegistered(actor.Actor, w.Engine.EntityLookup(ctx)); err != nil {
			return domain.ActorContext{}, err
		}
	}
	return actor, nil
}
