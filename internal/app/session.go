// Package app wires stores, coordinators and boards for one signed-in
// principal, against either the local database or a remote server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boardline/internal/config"
	"boardline/internal/dashboard"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/filter"
	"boardline/internal/kanban"
	"boardline/internal/migrate"
	"boardline/internal/mutation"
	"boardline/internal/remote"
	"boardline/internal/store"
)

// LocalOwner acts in local mode when no owner is configured.
const LocalOwner = "local"

// Session holds the client state for one principal.
type Session struct {
	Principal domain.Principal
	Remote    remote.DataStore

	coords map[string]*mutation.Coordinator
	boards map[string]kanban.Board
	log    *zap.Logger
	conn   *sql.DB
}

// Options tune a Session.
type Options struct {
	Timeout  time.Duration
	Logger   *zap.Logger
	Observer mutation.Observer
	Boards   map[string]kanban.Board
}

// New builds a session over ds. Stores start empty; call Refresh.
func New(ds remote.DataStore, p domain.Principal, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		Principal: p,
		Remote:    ds,
		coords:    map[string]*mutation.Coordinator{},
		boards:    map[string]kanban.Board{},
		log:       opts.Logger,
	}
	defaults := map[string]kanban.Board{
		domain.Activities.Name: kanban.DefaultActivityBoard(),
		domain.Projects.Name:   kanban.DefaultProjectBoard(),
	}
	for _, name := range domain.CollectionNames() {
		coll, _ := domain.LookupCollection(name)
		st := store.New(ds, name, store.Options{Timeout: opts.Timeout, Logger: opts.Logger})
		s.coords[name] = mutation.New(mutation.Config{
			Store:      st,
			Remote:     ds,
			Collection: coll,
			Timeout:    opts.Timeout,
			Logger:     opts.Logger,
			Observer:   opts.Observer,
		})
		board, ok := opts.Boards[name]
		if !ok || len(board.Columns) == 0 {
			board = defaults[name]
		}
		s.boards[name] = board
	}
	return s
}

// Open builds a session from cfg: remote mode when client.base_url is set,
// otherwise the workspace database, migrated on open.
func Open(ctx context.Context, cfg *config.Config, workspace string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := Options{
		Timeout:  cfg.Client.Timeout,
		Logger:   log,
		Observer: logTransitions(log),
		Boards: map[string]kanban.Board{
			domain.Activities.Name: cfg.Boards.Activities,
			domain.Projects.Name:   cfg.Boards.Projects,
		},
	}
	p := domain.Principal{
		OwnerID:  strings.TrimSpace(cfg.Client.OwnerID),
		TenantID: strings.TrimSpace(cfg.Client.TenantID),
		Token:    cfg.Client.Token,
		APIKey:   cfg.Client.APIKey,
	}
	if cfg.Client.BaseURL != "" {
		client := remote.New(cfg.Client.BaseURL, cfg.Client.Timeout)
		if cfg.Server.BasePath != "" {
			client.BasePath = cfg.Server.BasePath
		}
		return New(client, p, opts), nil
	}

	if p.OwnerID == "" {
		p.OwnerID = LocalOwner
	}
	conn, err := db.Open(db.Config{Workspace: workspace, File: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := New(engine.New(conn), p, opts)
	s.conn = conn
	return s, nil
}

func logTransitions(log *zap.Logger) mutation.Observer {
	return func(m mutation.Mutation) {
		fields := []zap.Field{
			zap.String("op", string(m.Op)),
			zap.String("collection", m.Collection),
			zap.String("entity", m.EntityID),
			zap.String("state", string(m.State)),
		}
		if m.Err != nil {
			fields = append(fields, zap.Error(m.Err))
		}
		log.Debug("mutation", fields...)
	}
}

// Coordinator returns the coordinator for collection.
func (s *Session) Coordinator(collection string) (*mutation.Coordinator, error) {
	c, ok := s.coords[collection]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "unknown collection %s", collection)
	}
	return c, nil
}

// Board returns the board configured for collection.
func (s *Session) Board(collection string) kanban.Board {
	return s.boards[collection]
}

// Refresh reloads every collection concurrently. The first failure cancels
// the rest; stores that did load keep their new contents.
func (s *Session) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, c := range s.coords {
		st := c.Store()
		g.Go(func() error {
			if _, err := st.Load(ctx, s.Principal, filter.Query{}); err != nil {
				return fmt.Errorf("load %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Dashboard summarizes the cached rows.
func (s *Session) Dashboard(now time.Time) (dashboard.ActivitySummary, dashboard.ProjectSummary) {
	acts := s.coords[domain.Activities.Name].Store().Snapshot()
	projects := s.coords[domain.Projects.Name].Store().Snapshot()
	return dashboard.Summarize(s.boards[domain.Activities.Name], acts, now), dashboard.SummarizeProjects(projects)
}

// Close releases the stores and, in local mode, the database.
func (s *Session) Close() error {
	for _, c := range s.coords {
		c.Store().Close()
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Local reports whether the session runs against the workspace database.
func (s *Session) Local() bool {
	return s.conn != nil
}

// Engine returns the local engine, or an error in remote mode.
func (s *Session) Engine() (engine.Engine, error) {
	e, ok := s.Remote.(engine.Engine)
	if !ok {
		return engine.Engine{}, errors.New("not available in remote mode")
	}
	return e, nil
}
