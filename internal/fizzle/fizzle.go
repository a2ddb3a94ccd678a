// Package fizzle implements spec.md §4.4: detecting a
// fizzled VM on its first observation in a terminal state, and
// max-merging the result into the machinetype's persisted lastAbortTime,
// grounded on original_source/shared.py's Machine.__init__ (the
// "Check if the machine already has a stopped timestamp" block) and
// Machinetype.setLastAbortTime.
package fizzle

import (
	"strconv"
	"strings"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// Observe evaluates one machine's first-terminal-observation transition
// (stoppedTime must already be set by the classifier) and returns the
// lastAbortTime candidate it implies, or 0 if the machine does not
// contribute one. It never mutates machine or machinetype; callers fold
// the result through Merge.
func Observe(machine model.Machine, machinetype *model.Machinetype) int64 {
	if !machine.State.IsTerminal() || machine.StoppedTime == nil {
		return 0
	}

	stopped := *machine.StoppedTime

	if code, ok := shutdownCode(machine.ShutdownMessage); ok && code >= 300 && code <= 699 {
		return stopped
	}

	if machine.StartedTime != nil && (stopped-*machine.StartedTime) < machinetype.FizzleSeconds {
		return stopped
	}

	return 0
}

// shutdownCode extracts the leading 3-digit code from a shutdown message
// of the form "700 Failed to start", matching shared.py's
// `int(self.shutdownMessage.split(' ')[0])`.
func shutdownCode(message string) (int, bool) {
	if message == "" {
		return 0, false
	}
	field := strings.SplitN(message, " ", 2)[0]
	code, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return code, true
}

// Merge applies candidate to machinetype.LastAbortTime using max-merge
// semantics (only ever moves forward) and persists the new value via
// store when it changed, matching setLastAbortTime's "only if larger"
// rule and its atomic single-value file write. The persisted value is
// re-read first, so a larger value written by a peer is never replaced
// by a smaller one.
func Merge(st *store.Store, space string, machinetype *model.Machinetype, candidate int64) error {
	path := st.LastAbortTimePath(space, machinetype.Name)
	if persisted, _ := st.GetPathInt64(path); persisted != nil && *persisted > machinetype.LastAbortTime {
		machinetype.LastAbortTime = *persisted
	}
	if candidate <= machinetype.LastAbortTime {
		return nil
	}
	machinetype.LastAbortTime = candidate
	return st.PutPathInt64(path, candidate)
}

// Load reads the persisted lastAbortTime for machinetype into its
// in-memory field, defaulting to 0 if no file has been written yet
// (shared.py's Machinetype.__init__ default before any abort).
func Load(st *store.Store, space string, machinetype *model.Machinetype) error {
	v, err := st.GetPathInt64(st.LastAbortTimePath(space, machinetype.Name))
	if err != nil {
		return err
	}
	if v != nil {
		machinetype.LastAbortTime = *v
	}
	return nil
}
