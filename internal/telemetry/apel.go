// Package telemetry writes APEL accounting records for machines that
// have finished a real job, grounded on original_source/shared.py's
// writeApel: the fixed-field "APEL-individual-job-message" text format,
// skipped for fizzled runs, archived under a date-stamped directory tree
// and mirrored to an outgoing queue when the space has a GOCDB site name.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	vcerrors "github.com/iris-ac-uk/iris-vcycle/internal/shared/errors"
	"github.com/iris-ac-uk/iris-vcycle/internal/model"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// Recorder writes APEL job records under a state root.
type Recorder struct {
	stateRoot string
	hostname  string
}

// NewRecorder returns a Recorder rooted at stateRoot (the same root
// internal/store.Store uses), reporting factory hostname in SubmitHost.
func NewRecorder(stateRoot, hostname string) *Recorder {
	return &Recorder{stateRoot: stateRoot, hostname: hostname}
}

// WriteJobRecord emits one APEL record for machine, or does nothing if
// the machine fizzled (ran for less than the machinetype's fizzle
// window) or lacks either a startedTime or a stoppedTime.
func (r *Recorder) WriteJobRecord(space model.Space, mt model.Machinetype, machine model.Machine, maxRSSKB, allocatedCPU int64) error {
	if machine.StartedTime == nil || machine.StoppedTime == nil {
		return nil
	}
	duration := *machine.StoppedTime - *machine.StartedTime
	if duration < mt.FizzleSeconds {
		return nil
	}

	site := space.GOCDBSitename
	if site == "" {
		site = fallbackSitename(space.Name)
	}

	// shared.py's writeApel prepends each component inside the loop
	// (userDN = '/DC=' + component + userDN), reversing the dotted
	// order into the standard most-general-first LDAP DC convention:
	// "example.space" -> "/DC=space/DC=example".
	var userDN string
	for _, component := range strings.Split(space.Name, ".") {
		userDN = "/DC=" + component + userDN
	}

	var fqanField string
	if mt.AccountingFQAN != "" {
		fqanField = "FQAN: " + mt.AccountingFQAN + "\n"
	}

	var memoryField string
	if maxRSSKB > 0 {
		memoryField = fmt.Sprintf("MemoryReal: %d\nMemoryVirtual: %d\n", maxRSSKB, maxRSSKB)
	}

	var processorsField string
	if allocatedCPU > 0 {
		processorsField = fmt.Sprintf("Processors: %d\n", allocatedCPU)
	}

	hs06 := 1.0
	if machine.HS06 != nil {
		hs06 = *machine.HS06
	}

	now := time.Now()
	msg := "APEL-individual-job-message: v0.3\n" +
		"Site: " + site + "\n" +
		"SubmitHost: " + space.Name + "/vcycle-" + r.hostname + "\n" +
		"LocalJobId: " + machine.UUID + "\n" +
		"LocalUserId: " + machine.Name + "\n" +
		"Queue: " + mt.Name + "\n" +
		"GlobalUserName: " + userDN + "\n" +
		fqanField +
		fmt.Sprintf("WallDuration: %d\n", duration) +
		fmt.Sprintf("CpuDuration: %d\n", duration) +
		processorsField +
		"NodeCount: 1\n" +
		"InfrastructureDescription: APEL-VCYCLE\n" +
		"InfrastructureType: grid\n" +
		fmt.Sprintf("StartTime: %d\n", *machine.StartedTime) +
		fmt.Sprintf("EndTime: %d\n", *machine.StoppedTime) +
		memoryField +
		"ServiceLevelType: HEPSPEC\n" +
		fmt.Sprintf("ServiceLevel: %v\n", hs06) +
		"%%\n"

	fileName := fmt.Sprintf("%s%08d", now.Format("150405"), now.Nanosecond()/1000)
	day := now.Format("20060102")

	archivePath := filepath.Join(r.stateRoot, "apel-archive", day, fileName)
	if err := writeRecordFile(archivePath); err != nil {
		return err
	}
	if err := os.WriteFile(archivePath, []byte(msg), store.ModePrivate); err != nil {
		return vcerrors.NewTransient("failed to write apel-archive record", err)
	}

	if space.GOCDBSitename != "" {
		outgoingPath := filepath.Join(r.stateRoot, "apel-outgoing", day, fileName)
		if err := writeRecordFile(outgoingPath); err != nil {
			return err
		}
		if err := os.WriteFile(outgoingPath, []byte(msg), store.ModePrivate); err != nil {
			return vcerrors.NewTransient("failed to write apel-outgoing record", err)
		}
	}

	return nil
}

func writeRecordFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return vcerrors.NewTransient("failed to create apel directory", err)
	}
	return nil
}

// fallbackSitename derives a GOCDB-style site name from the space's
// dotted name when no explicit gocdb_sitename is configured, matching
// shared.py's `'.'.join(self.spaceName.split('.')[1:])` fallback.
func fallbackSitename(spaceName string) string {
	parts := strings.Split(spaceName, ".")
	if len(parts) <= 1 {
		return spaceName
	}
	return strings.Join(parts[1:], ".")
}
