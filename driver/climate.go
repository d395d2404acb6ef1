package driver

import "time"

// Climate drives a heater and circulation fan pair, plus an optional
// root-zone fan.
type Climate struct {
	lines
	heater     *int
	fan        *int
	rootFan    *int
	activeHigh bool
}

func NewClimate(name string, cfg Config, deps Deps) *Climate {
	return &Climate{
		lines:      newLines(name, deps),
		heater:     cfg.Pin("heater_pin"),
		fan:        cfg.Pin("fan_pin"),
		rootFan:    cfg.Pin("root_fan_pin"),
		activeHigh: cfg.ActiveHigh,
	}
}

func (c *Climate) Setup() error {
	return c.setup(c.heater, c.fan, c.rootFan)
}

// set writes the heater then the fan with a settle delay in between.
func (c *Climate) set(heater, fan bool) error {
	if err := c.write(*c.heater, heater == c.activeHigh); err != nil {
		return err
	}
	time.Sleep(SettleDelay)
	return c.write(*c.fan, fan == c.activeHigh)
}

func (c *Climate) Heat() (Status, error) {
	if c.simulate {
		c.log.Debug().Msg("Turning on heater and fan (simulated)")
		return StatusActive, nil
	}
	if !c.ready(c.heater, c.fan) {
		return StatusInactive, nil
	}
	if err := c.set(true, true); err != nil {
		return StatusInactive, err
	}
	c.log.Debug().Msg("Turning on heater and fan")
	return StatusActive, nil
}

func (c *Climate) Cool() (Status, error) {
	if c.simulate {
		c.log.Debug().Msg("Turning off heater, turning on fan (simulated)")
		return StatusActive, nil
	}
	if !c.ready(c.heater, c.fan) {
		return StatusInactive, nil
	}
	if err := c.set(false, true); err != nil {
		return StatusInactive, err
	}
	c.log.Debug().Msg("Turning off heater, turning on fan")
	return StatusActive, nil
}

func (c *Climate) TurnOff() (Status, error) {
	if c.simulate {
		c.log.Debug().Msg("Turning off main zone (simulated)")
		return StatusInactive, nil
	}
	if !c.ready(c.heater, c.fan) {
		return StatusInactive, nil
	}
	if err := c.set(false, false); err != nil {
		return StatusInactive, err
	}
	c.log.Debug().Msg("Turning off main zone")
	return StatusInactive, nil
}

func (c *Climate) CoolRoots() (Status, error) {
	if c.simulate {
		return StatusActive, nil
	}
	if !c.ready(c.rootFan) {
		return StatusInactive, nil
	}
	if err := c.write(*c.rootFan, c.activeHigh); err != nil {
		return StatusInactive, err
	}
	return StatusActive, nil
}

func (c *Climate) TurnOffRoots() (Status, error) {
	if c.simulate || !c.ready(c.rootFan) {
		return StatusInactive, nil
	}
	if err := c.write(*c.rootFan, !c.activeHigh); err != nil {
		return StatusInactive, err
	}
	return StatusInactive, nil
}
