package task

import (
	"fmt"
	"syscall"
)

// SignalStopCondition is sent to workers whose stop condition is fulfilled.
const SignalStopCondition = syscall.SIGUSR1

// signalsByName maps the signal names accepted in configuration files to
// their OS signal values.
var signalsByName = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTERM": syscall.SIGTERM,
}

// SignalByName resolves a signal name like "SIGTERM" to the OS signal.
func SignalByName(name string) (syscall.Signal, error) {
	sig, ok := signalsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown signal name: %s", name)
	}
	return sig, nil
}
