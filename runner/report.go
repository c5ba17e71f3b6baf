package runner

import (
	"fmt"
)

const (
	KindExport = "export"
	KindBackup = "backup"
)

// Operation is the outcome of one export or backup.
type Operation struct {
	Kind string
	Mode string
	// Local artifact path
	File string
	Err  error

	// Set for local I/O failures, which stop the device
	fatal bool
}

type DeviceResult struct {
	Key        string
	Operations []Operation
	// Set when the device could not be processed at all
	Err error
}

func (d *DeviceResult) Failed() bool {
	if d.Err != nil {
		return true
	}

	for _, op := range d.Operations {
		if op.Err != nil {
			return true
		}
	}

	return false
}

func (d *DeviceResult) failures() []string {
	var out []string

	if d.Err != nil {
		out = append(out, fmt.Sprintf("%s: %v", d.Key, d.Err))
	}

	for _, op := range d.Operations {
		if op.Err == nil {
			continue
		}

		what := op.Kind
		if op.Mode != "" {
			what += " " + op.Mode
		}

		out = append(out, fmt.Sprintf("%s: %s: %v", d.Key, what, op.Err))
	}

	return out
}

type Report struct {
	RunID     string
	Timestamp string
	Devices   []*DeviceResult
	// Archive commit failure, if any
	ArchiveErr error
}

func (r *Report) Failed() bool {
	if r.ArchiveErr != nil {
		return true
	}

	for _, d := range r.Devices {
		if d.Failed() {
			return true
		}
	}

	return false
}

// FailedDevices counts devices with at least one failed operation.
func (r *Report) FailedDevices() int {
	var n int
	for _, d := range r.Devices {
		if d.Failed() {
			n++
		}
	}
	return n
}

func (r *Report) Failures() []string {
	var out []string

	for _, d := range r.Devices {
		out = append(out, d.failures()...)
	}

	if r.ArchiveErr != nil {
		out = append(out, fmt.Sprintf("archive: %v", r.ArchiveErr))
	}

	return out
}
