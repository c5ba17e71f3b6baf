package runner

import (
	"path/filepath"

	"github.com/abclution/mikback/devices"
	"github.com/abclution/mikback/transport"
)

// Step is one remote interaction a run would perform.
type Step struct {
	Key     string
	Kind    string
	Mode    string
	Command string
	// Client invocation, only known for the exec transport
	Client string
	File   string
	Err    error
}

// Plan lists what Run would do without contacting any device.
func (r *Runner) Plan(keys ...string) []Step {
	if len(keys) == 0 {
		for _, e := range r.Registry.Entries() {
			keys = append(keys, e.Key)
		}
	}

	exec, _ := r.Transport.(*transport.Exec)

	var steps []Step

	for _, key := range keys {
		opts, ok := r.Registry.Lookup(key)
		if !ok {
			steps = append(steps, Step{Key: key, Err: ErrDeviceNotFound})
			continue
		}

		dev := devices.New(key, opts)
		plan := dev.Plan()

		if plan.Empty() {
			continue
		}

		name, err := dev.Name()
		if err != nil {
			steps = append(steps, Step{Key: key, Err: err})
			continue
		}

		base, err := dev.BasePath()
		if err != nil {
			steps = append(steps, Step{Key: key, Err: err})
			continue
		}

		target, err := dev.Target()
		if err != nil {
			steps = append(steps, Step{Key: key, Err: err})
			continue
		}

		ssh := func(s Step, cmd transport.Command) Step {
			s.Command = cmd.String()
			if exec != nil {
				if c, err := exec.SSHCommand(target, cmd); err == nil {
					s.Client = c.String()
				} else {
					s.Err = err
				}
			}
			return s
		}

		if plan.Backup {
			file := devices.BackupFileName(name, r.Timestamp)
			password := dev.BackupPassword()

			steps = append(steps, ssh(Step{Key: key, Kind: KindBackup, Mode: "create"},
				transport.Command{Line: devices.BackupSaveCommand(file, password), Secret: password}))

			fetch := Step{Key: key, Kind: KindBackup, Mode: "fetch", File: filepath.Join(base, file)}
			if exec != nil {
				if c, err := exec.SCPCommand(target, file, base); err == nil {
					fetch.Client = c.String()
				} else {
					fetch.Err = err
				}
			}
			steps = append(steps, fetch)

			steps = append(steps, ssh(Step{Key: key, Kind: KindBackup, Mode: "remove"},
				transport.Command{Line: devices.FileRemoveCommand(file)}))
		}

		for _, mode := range plan.Exports {
			s := ssh(Step{Key: key, Kind: KindExport, Mode: mode.String()},
				transport.Command{Line: devices.ExportCommand(mode, dev.ROS7())})
			s.File = filepath.Join(base, r.Storage.Name(devices.ExportFileName(name, r.Timestamp, mode)))
			steps = append(steps, s)
		}
	}

	return steps
}
