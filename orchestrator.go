package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gregoryjjb/verdant/driver"
	"gregoryjjb/verdant/eventlog"
	"gregoryjjb/verdant/gpio"
	"gregoryjjb/verdant/i2c"
	"gregoryjjb/verdant/manager"
	"gregoryjjb/verdant/persist"
	"gregoryjjb/verdant/store"
)

var olog zerolog.Logger

func init() {
	olog = log.With().Str("component", "orchestrator").Logger()
}

const (
	SnapshotFileName = "verdant.db"
	EventsFileName   = "events.db"
)

var ErrUnknownPeripheral = errors.New("unknown peripheral")

// Orchestrator owns the store, the shared hardware handles and one manager
// per configured peripheral.
type Orchestrator struct {
	config   *Config
	store    *store.Store
	port     gpio.Port
	buses    *i2c.Registry
	setups   map[string]Setup
	managers map[string]*manager.Manager
	names    []string

	snapshots *persist.Snapshots
	events    *eventlog.Log
	// held across submit and record so an outcome never lands before its row
	eventsMu sync.Mutex
}

func NewOrchestrator(config *Config, fs VerdantFS) (*Orchestrator, error) {
	setups, err := LoadSetups(fs, config.DataDir())
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:   config,
		store:    store.New(),
		buses:    i2c.NewRegistry(i2c.PeriphOpener),
		setups:   setups,
		managers: make(map[string]*manager.Manager),
	}

	if config.GPIOBackend() == GPIOBackendSimulated {
		o.port = gpio.NewSimulated()
	} else {
		o.port, err = gpio.Open()
		if err != nil {
			// drivers fail their setup and managers sit in ERROR
			olog.Warn().Err(err).Msg("GPIO unavailable")
			o.port = nil
		}
	}

	deps := driver.Deps{
		Port:     o.port,
		Buses:    o.buses,
		Simulate: config.Simulate(),
	}

	for _, pc := range config.Peripherals() {
		m, err := o.buildManager(pc, deps)
		if err != nil {
			o.Close()
			return nil, err
		}
		o.managers[pc.Name] = m
		o.names = append(o.names, pc.Name)
	}
	sort.Strings(o.names)

	if err := o.openDatabases(); err != nil {
		o.Close()
		return nil, err
	}

	return o, nil
}

func (o *Orchestrator) buildManager(pc PeripheralConfig, deps driver.Deps) (*manager.Manager, error) {
	setup, ok := o.setups[pc.Setup]
	if !ok {
		return nil, fmt.Errorf("%w: peripheral %q uses unknown setup %q", ErrValidation, pc.Name, pc.Setup)
	}

	communication := merge(setup.Communication, pc.Communication)
	defaults := o.config.DriverDefaults()

	// on_time is only read here for the policy; the driver config is
	// parsed again, with errors, when the manager builds its driver
	var onTime time.Duration
	if cfg, err := driver.ParseConfig(communication, defaults); err == nil {
		onTime = cfg.OnTime
	}

	policy, err := manager.NewPolicy(setup.Policy, manager.Options{
		Variables:  merge(setup.Variables, pc.Variables),
		Properties: merge(setup.Properties, pc.Properties),
		OnTime:     onTime,
	})
	if err != nil {
		return nil, fmt.Errorf("peripheral %q: %w", pc.Name, err)
	}

	interval, _ := driver.ParseDuration(firstOf(pc.Interval, setup.Interval))

	name, kind := pc.Name, setup.Driver
	return manager.New(o.store, manager.Config{
		Name:   name,
		Policy: policy,
		Build: func() (driver.Driver, error) {
			cfg, err := driver.ParseConfig(communication, defaults)
			if err != nil {
				return nil, err
			}
			return driver.New(kind, name, cfg, deps)
		},
		Interval:       interval,
		ReinitInterval: o.config.ReinitInterval(),
		OnProcessed:    o.complete,
	})
}

func (o *Orchestrator) openDatabases() error {
	dir := o.config.DataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var err error
	if o.snapshots, err = persist.Open(filepath.Join(dir, SnapshotFileName)); err != nil {
		return err
	}
	if o.events, err = eventlog.Open(filepath.Join(dir, EventsFileName)); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) Store() *store.Store {
	return o.store
}

func (o *Orchestrator) Setups() map[string]Setup {
	return o.setups
}

func (o *Orchestrator) Manager(name string) (*manager.Manager, bool) {
	m, ok := o.managers[name]
	return m, ok
}

// Managers in name order.
func (o *Orchestrator) Managers() []*manager.Manager {
	list := make([]*manager.Manager, 0, len(o.names))
	for _, name := range o.names {
		list = append(list, o.managers[name])
	}
	return list
}

// Submit hands an event to a peripheral and records the response.
func (o *Orchestrator) Submit(ctx context.Context, name string, ev manager.Event) (manager.Response, error) {
	m, ok := o.managers[name]
	if !ok {
		return manager.Response{}, fmt.Errorf("%w: %s", ErrUnknownPeripheral, name)
	}

	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()

	res := m.Submit(ev)

	err := o.events.Record(ctx, eventlog.Entry{
		ID:          ev.ID.String(),
		Peripheral:  name,
		Type:        ev.Type,
		Variable:    ev.Variable,
		Value:       ev.Value,
		Code:        res.Code,
		Message:     res.Message,
		SubmittedAt: ev.Submitted,
	})
	if err != nil {
		olog.Err(err).Str("peripheral", name).Msg("Failed to record event")
	}
	return res, nil
}

func (o *Orchestrator) complete(name string, outcome manager.Outcome) {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()

	err := o.events.Complete(context.Background(), outcome.Event.ID.String(), outcome.Result, outcome.Processed)
	if err != nil {
		olog.Err(err).Str("peripheral", name).Msg("Failed to record event outcome")
	}
}

func (o *Orchestrator) Events(ctx context.Context, peripheral string, limit int) ([]eventlog.Entry, error) {
	return o.events.List(ctx, peripheral, limit)
}

// Restore loads the saved environment setpoints into the store.
func (o *Orchestrator) Restore() error {
	desired, savedAt, err := o.snapshots.Load()
	if err != nil {
		return err
	}
	for name, v := range desired {
		o.store.SetEnvironmentDesired(name, v)
	}
	if len(desired) > 0 {
		olog.Info().Int("count", len(desired)).Time("saved_at", savedAt).Msg("Restored setpoints")
	}
	return nil
}

func (o *Orchestrator) Save() error {
	return o.snapshots.Save(o.store.Snapshot().Desired())
}

// Run restores setpoints and runs every manager until ctx is cancelled.
// It returns once every manager has finished its iteration and shut down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Restore(); err != nil {
		olog.Err(err).Msg("Failed to restore setpoints")
	}

	olog.Info().Int("peripherals", len(o.managers)).Bool("simulate", o.config.Simulate()).Msg("Starting managers")

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range o.Managers() {
		m := m
		g.Go(func() error {
			return m.Run(gctx)
		})
	}

	if interval := o.config.SnapshotInterval(); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := o.Save(); err != nil {
						olog.Err(err).Msg("Failed to save setpoints")
					}
				}
			}
		})
	}

	err := g.Wait()
	if saveErr := o.Save(); saveErr != nil {
		olog.Err(saveErr).Msg("Failed to save setpoints")
	}
	olog.Info().Msg("All managers stopped")
	return err
}

func (o *Orchestrator) Close() error {
	var errs []error
	if o.port != nil {
		errs = append(errs, o.port.Close())
	}
	if o.snapshots != nil {
		errs = append(errs, o.snapshots.Close())
	}
	if o.events != nil {
		errs = append(errs, o.events.Close())
	}
	return errors.Join(errs...)
}
