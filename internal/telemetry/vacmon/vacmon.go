// Package vacmon implements the VacMon UDP/JSON telemetry protocol from
// original_source/shared.py's sendVacMon/makeFactoryMessage/
// makeMachinetypeMessages: one factory_status datagram per space per
// cycle, plus one machinetype_status datagram per machinetype, sent
// best-effort (fire-and-forget) to every configured host:port.
package vacmon

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/iris-ac-uk/iris-vcycle/internal/model"
)

// DaemonVersion and VacQueryVersion identify this implementation in the
// wire messages the way shared.py stamps 'Vcycle <version> vcycled'.
const (
	DaemonVersion    = "vcycle 1.0 vcycled"
	VacQueryVersion  = "VacQuery 1.0"
	MessageTypeFactory     = "factory_status"
	MessageTypeMachinetype = "machinetype_status"
)

// Emitter sends VacMon datagrams for one factory hostname.
type Emitter struct {
	factoryHostname string
}

// NewEmitter returns an Emitter that identifies itself as factoryHostname.
func NewEmitter(factoryHostname string) *Emitter {
	return &Emitter{factoryHostname: factoryHostname}
}

// Send builds and sends the factory_status message and one
// machinetype_status message per machinetype in space, to every
// host:port in space.VacMonHostPorts. Send is best-effort: a failure to
// reach one host does not prevent sending to the others, and no error
// aborts the caller's cycle (spec.md §7: telemetry failures are never
// fatal to a cycle).
func (e *Emitter) Send(space model.Space, cookie string) {
	if len(space.VacMonHostPorts) == 0 {
		return
	}

	factoryMsg, err := e.factoryMessage(space, cookie)
	if err != nil {
		return
	}
	machinetypeMsgs := e.machinetypeMessages(space, cookie)

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, hostPort := range space.VacMonHostPorts {
		addr, err := net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			continue
		}
		conn.WriteTo(factoryMsg, addr)
		for _, m := range machinetypeMsgs {
			conn.WriteTo(m, addr)
		}
	}
}

func (e *Emitter) factoryMessage(space model.Space, cookie string) ([]byte, error) {
	site := space.GOCDBSitename
	if site == "" {
		site = space.Name
	}

	processorsLimit := 0
	if space.ProcessorsLimit != nil {
		processorsLimit = *space.ProcessorsLimit
	}

	msg := map[string]any{
		"message_type":       MessageTypeFactory,
		"daemon_version":     DaemonVersion,
		"vacquery_version":   VacQueryVersion,
		"cookie":             cookie,
		"space":              space.Name,
		"site":               site,
		"factory":            e.factoryHostname,
		"time_sent":          time.Now().Unix(),
		"running_processors": space.RunningProcessors,
		"running_machines":   space.RunningMachines,
		"max_processors":     processorsLimit,
		"max_machines":       processorsLimit,
	}

	return json.Marshal(msg)
}

func (e *Emitter) machinetypeMessages(space model.Space, cookie string) [][]byte {
	site := space.GOCDBSitename
	if site == "" {
		site = space.Name
	}
	now := time.Now().Unix()

	out := make([][]byte, 0, len(space.Machinetypes))
	for _, mt := range space.Machinetypes {
		msg := map[string]any{
			"message_type":        MessageTypeMachinetype,
			"daemon_version":      DaemonVersion,
			"vacquery_version":    VacQueryVersion,
			"cookie":              cookie,
			"space":               space.Name,
			"site":                site,
			"factory":             e.factoryHostname,
			"num_machinetypes":    len(space.Machinetypes),
			"time_sent":           now,
			"machinetype":         mt.Name,
			"bytes_per_processor": mt.EffectiveRSSBytesPerProcessor(),
			"running_machines":    mt.RunningMachines,
			"running_processors":  mt.RunningProcessors,
		}
		if mt.AccountingFQAN != "" {
			msg["fqan"] = mt.AccountingFQAN
		}
		if mt.RunningHS06 != nil {
			msg["running_hs06"] = *mt.RunningHS06
		}
		if mt.MaxWallclockSeconds > 0 {
			msg["max_wallclock_seconds"] = mt.MaxWallclockSeconds
		}
		if mt.MaxProcessors != nil {
			msg["max_processors"] = *mt.MaxProcessors
		}

		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		out = append(out, encoded)
	}
	return out
}

// SendMachineStopped sends one machine_status datagram for machine, the
// way shared.py's sendMachineMessage fires once, the first time a
// machine is observed in a stopped state. Best-effort, same as Send.
func (e *Emitter) SendMachineStopped(space model.Space, mt model.Machinetype, machine model.Machine, cookie string) {
	if len(space.VacMonHostPorts) == 0 {
		return
	}

	site := space.GOCDBSitename
	if site == "" {
		site = space.Name
	}
	now := time.Now().Unix()

	var cpuSeconds int64
	if machine.StartedTime != nil && machine.StoppedTime != nil {
		cpuSeconds = *machine.StoppedTime - *machine.StartedTime
	}

	msg := map[string]any{
		"message_type":     "machine_status",
		"daemon_version":   DaemonVersion,
		"vacquery_version": VacQueryVersion,
		"cookie":           cookie,
		"space":            space.Name,
		"site":             site,
		"factory":          e.factoryHostname,
		"num_machines":     1,
		"time_sent":        now,
		"machine":          machine.Name,
		"state":            string(machine.State),
		"uuid":             machine.UUID,
		"created_time":     machine.CreatedTime,
		"heartbeat_time":   machine.HeartbeatTime,
		"num_processors":   machine.Processors,
		"cpu_seconds":      cpuSeconds,
		"cpu_percentage":   100.0,
		"machinetype":      machine.MachinetypeName,
	}
	if machine.StartedTime != nil {
		msg["started_time"] = *machine.StartedTime
	}
	if machine.HS06 != nil {
		msg["hs06"] = *machine.HS06
	}
	if mt.AccountingFQAN != "" {
		msg["fqan"] = mt.AccountingFQAN
	}
	if machine.ShutdownMessage != "" {
		msg["shutdown_message"] = machine.ShutdownMessage
	}
	if machine.ShutdownMessageTime != nil {
		msg["shutdown_time"] = *machine.ShutdownMessageTime
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, hostPort := range space.VacMonHostPorts {
		addr, err := net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			continue
		}
		conn.WriteTo(encoded, addr)
	}
}

// String renders the host:port list for logging, matching the log line
// shared.py emits before sending ("Sending VacMon status messages to ...").
func String(hostPorts []string) string {
	return fmt.Sprint(hostPorts)
}
