package manager

import "gregoryjjb/verdant/store"

type Mode string

const (
	ModeInit      Mode = "INIT"
	ModeSetup     Mode = "SETUP"
	ModeNormal    Mode = "NORMAL"
	ModeManual    Mode = "MANUAL"
	ModeCalibrate Mode = "CALIBRATE"
	ModeError     Mode = "ERROR"
	ModeShutdown  Mode = "SHUTDOWN"
)

var Modes = []Mode{ModeInit, ModeSetup, ModeNormal, ModeManual, ModeCalibrate, ModeError, ModeShutdown}

func modeNames() []string {
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return names
}

// Steady reports whether the mode runs the polling update.
func (m Mode) Steady() bool {
	return m == ModeNormal || m == ModeManual || m == ModeCalibrate
}

// ReadDesired returns the setpoint a peripheral in the given mode should
// act on. In MANUAL the operator's peripheral-scoped value wins; in every
// other mode the environment-scoped value does.
func ReadDesired(s *store.Store, mode Mode, peripheral, variable string) (any, bool) {
	if mode == ModeManual {
		return s.PeripheralDesired(peripheral, variable)
	}
	return s.EnvironmentDesired(variable)
}
