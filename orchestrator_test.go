package main_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verdant "gregoryjjb/verdant"
	"gregoryjjb/verdant/manager"
	"gregoryjjb/verdant/store"
)

func TestOrchestratorUnknownSetup(t *testing.T) {
	config := newTestConfig(t, verdant.Flags{DataDir: t.TempDir()}, nil, `
simulate = true

[[peripherals]]
name = "x"
setup = "flux-capacitor"
`)
	_, err := verdant.NewOrchestrator(config, verdant.NewVerdantMemFS())
	assert.ErrorIs(t, err, verdant.ErrValidation)
}

func TestOrchestratorUnknownPolicy(t *testing.T) {
	fs := verdant.NewVerdantMemFS()
	dir := t.TempDir()
	require.NoError(t, fs.MkdirAll(dir+"/setups", 0755))
	f, err := fs.Create(dir + "/setups/odd.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("name: odd\ndriver: relay\npolicy: astrology\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	config := newTestConfig(t, verdant.Flags{DataDir: dir}, nil, `
[[peripherals]]
name = "odd"
setup = "odd"
`)
	_, err = verdant.NewOrchestrator(config, fs)
	assert.Error(t, err)
}

func TestOrchestratorSubmitUnknownPeripheral(t *testing.T) {
	o := newTestOrchestrator(t, testPeripherals)
	_, err := o.Submit(context.Background(), "nope", manager.NewEvent(manager.EventReset, "", nil))
	assert.ErrorIs(t, err, verdant.ErrUnknownPeripheral)
}

func TestOrchestratorRun(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, testPeripherals, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx)
	}()

	// the simulated sensor reports into the shared environment
	require.Eventually(t, func() bool {
		v, ok := o.Store().EnvironmentReported("air_temperature_celsius")
		f, _ := store.Float(v)
		return ok && f == 27.0
	}, 5*time.Second, 10*time.Millisecond)

	pump, ok := o.Manager("pump")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return pump.Mode() == manager.ModeNormal
	}, 5*time.Second, 10*time.Millisecond)

	res, err := o.Submit(ctx, "pump", manager.NewEvent(manager.EventEnableManual, "", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, res.Code)
	require.Eventually(t, func() bool {
		return pump.Mode() == manager.ModeManual
	}, 5*time.Second, 10*time.Millisecond)

	res, err = o.Submit(ctx, "pump", manager.NewEvent(manager.EventSetDesired, "water_pump_on", 1.0))
	require.NoError(t, err)
	assert.Equal(t, 200, res.Code)
	require.Eventually(t, func() bool {
		v, _ := o.Store().PeripheralReported("pump", "water_pump_status")
		return v == "ON"
	}, 5*time.Second, 10*time.Millisecond)

	// every accepted event ends up with an outcome
	require.Eventually(t, func() bool {
		entries, err := o.Events(ctx, "pump", 0)
		if err != nil || len(entries) != 2 {
			return false
		}
		for _, e := range entries {
			if e.Outcome != manager.ResultApplied || e.ProcessedAt == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	o.Store().SetEnvironmentDesired("water_temperature_celsius", 18.0)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	for _, m := range o.Managers() {
		assert.Equal(t, manager.ModeShutdown, m.Mode(), m.Name())
	}
	require.NoError(t, o.Close())

	// setpoints survive a restart
	restarted := newTestOrchestrator(t, testPeripherals, dir)
	require.NoError(t, restarted.Restore())
	v, ok := restarted.Store().EnvironmentDesired("water_temperature_celsius")
	require.True(t, ok)
	assert.Equal(t, 18.0, v)

	entries, err := restarted.Events(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
