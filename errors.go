package vmicore

import "errors"

// ErrOsPluginUnavailable is returned by New when no registered osplugin.Plugin
// probes successfully against the guest.
var ErrOsPluginUnavailable = errors.New("vmicore: no os plugin probed successfully")

// ErrIllegalState names the illegal-state condition. No Core method
// returns it: a closed Core's Execution Controller reports
// exec.ErrDisposed, and removing a breakpoint twice reports
// exec.ErrNoSuchBreakpoint.
var ErrIllegalState = errors.New("vmicore: illegal state")
