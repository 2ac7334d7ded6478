package cmd

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/afero"

	"github.com/nctiggy/nwha/internal/ai"
	"github.com/nctiggy/nwha/internal/config"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/logging"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/session"
	"github.com/nctiggy/nwha/internal/store"
	"github.com/nctiggy/nwha/internal/terminal"
)

// app is the wired set of components behind the server.
type app struct {
	live       *config.Live
	store      *store.Store
	bus        *event.Bus
	exits      *gochannel.GoChannel
	registry   *terminal.Registry
	responder  ai.Responder
	workspaces *project.Workspace
	controller *session.Controller
	logger     *logging.Logger
}

type appOption func(*appDeps)

type appDeps struct {
	spawner   terminal.Spawner
	responder ai.Responder
	fs        afero.Fs
}

// withSpawner replaces the PTY spawner.
func withSpawner(s terminal.Spawner) appOption {
	return func(d *appDeps) { d.spawner = s }
}

// withResponder replaces the engine coordinator built from config.
func withResponder(r ai.Responder) appOption {
	return func(d *appDeps) { d.responder = r }
}

// newApp opens the store and wires the registry, exit channel and session
// controller. The caller must Close it.
func newApp(live *config.Live, logger *logging.Logger, opts ...appOption) (*app, error) {
	cfg := live.Current()
	logger = logging.OrNop(logger)

	deps := appDeps{spawner: terminal.PTYSpawner{}, fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&deps)
	}

	if deps.responder == nil {
		coord, err := ai.NewCoordinatorFromConfig(cfg.AI, logger)
		if err != nil {
			return nil, fmt.Errorf("build engine coordinator: %w", err)
		}
		deps.responder = coord
	}

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		live:       live,
		store:      st,
		bus:        event.NewBus(logger),
		exits:      terminal.NewExitChannel(logger),
		responder:  deps.responder,
		workspaces: project.NewWorkspace(deps.fs, cfg.ResolveRootDir()),
		logger:     logger,
	}
	a.registry = terminal.NewRegistry(deps.spawner, a.exits,
		terminal.WithDefaults(terminal.Options{
			Shell: cfg.Terminal.ResolveShell(),
			Cols:  uint16(cfg.Terminal.Cols),
			Rows:  uint16(cfg.Terminal.Rows),
		}),
		terminal.WithGracePeriod(cfg.Terminal.StopGrace()),
		terminal.WithLogger(logger),
	)

	a.controller, err = session.NewController(st, a.registry, a.responder,
		session.WithConfig(live),
		session.WithWorkspaces(a.workspaces),
		session.WithBus(a.bus),
		session.WithLogger(logger),
		session.WithExitSubscriber(a.exits),
	)
	if err != nil {
		a.exits.Close()
		st.Close()
		return nil, err
	}
	return a, nil
}

// newLoop builds the loop runner over the controller.
func (a *app) newLoop() *session.Loop {
	return session.NewLoop(a.controller,
		session.WithLoopBus(a.bus),
		session.WithLoopLogger(a.logger),
	)
}

// Close stops every session, then releases the registry, channel and store.
func (a *app) Close() error {
	var errs []error
	if err := a.controller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close controller: %w", err))
	}
	a.registry.DestroyAll()
	if err := a.exits.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close exit channel: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
