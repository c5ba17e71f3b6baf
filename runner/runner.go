package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/abclution/mikback/filter"
	"github.com/abclution/mikback/storage"
	"github.com/abclution/mikback/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrDeviceNotFound = errors.New("device not found")

type Runner struct {
	Registry  *config.Registry
	Transport transport.Transport
	Storage   *storage.FileStorage
	// Optional
	Archive storage.Archive
	Filters []filter.Filter

	// Shared by every artifact of the run
	Timestamp      string
	RunID          string
	CommandTimeout time.Duration
	Logger         *logrus.Logger
}

func (r *Runner) commandCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if r.CommandTimeout != 0 {
		return context.WithTimeout(parent, r.CommandTimeout)
	}

	return context.WithCancel(parent)
}

func (r *Runner) runCommand(ctx context.Context, t *devices.Target, cmd transport.Command, stdout io.Writer) error {
	ctx, cancel := r.commandCtx(ctx)
	defer cancel()

	if len(r.Filters) == 0 || stdout == nil {
		return r.Transport.Run(ctx, t, cmd, stdout)
	}

	pr, pw := io.Pipe()

	src, err := filter.Chain(pr, r.Filters)
	if err != nil {
		return err
	}

	copied := make(chan error, 1)

	go func() {
		_, err := io.Copy(stdout, src)
		if err != nil {
			// Keep the chain moving so the command can finish
			io.Copy(io.Discard, src)
		}
		copied <- err
	}()

	err = r.Transport.Run(ctx, t, cmd, pw)
	pw.CloseWithError(err)

	if e := <-copied; err == nil {
		err = e
	}

	return err
}

func (r *Runner) fetch(ctx context.Context, t *devices.Target, name, dir string) (string, error) {
	ctx, cancel := r.commandCtx(ctx)
	defer cancel()

	return r.Transport.Fetch(ctx, t, name, dir)
}

type archiver struct {
	tx  storage.Tx
	err error
}

func (r *Runner) archive(ctx context.Context, a *archiver, dev *devices.Device, op *Operation) {
	if a == nil || a.tx == nil || op.File == "" {
		return
	}

	metadata := dev.Metadata().Append(devices.Metadata{
		"file":      filepath.Base(op.File),
		"kind":      op.Kind,
		"mode":      op.Mode,
		"timestamp": r.Timestamp,
		"run":       r.RunID,
	})

	if op.Err != nil {
		metadata["error"] = op.Err
	}

	if err := a.tx.Add(ctx, op.File, metadata); err != nil {
		r.Logger.WithField("file", op.File).Error(err)
		if a.err == nil {
			a.err = err
		}
	}
}

// Export streams one export of dev into its BASE_PATH. A failed command
// leaves whatever was received in the file.
func (r *Runner) Export(ctx context.Context, dev *devices.Device, mode devices.ExportMode) Operation {
	return r.export(ctx, dev, mode, nil)
}

func (r *Runner) export(ctx context.Context, dev *devices.Device, mode devices.ExportMode, a *archiver) (op Operation) {
	op = Operation{
		Kind: KindExport,
		Mode: mode.String(),
	}

	l := r.Logger.WithFields(logrus.Fields(dev.Metadata())).WithField("mode", op.Mode)

	defer func() {
		if op.Err != nil {
			l.Errorf("Command failed with error: %v", op.Err)
		}
		r.archive(ctx, a, dev, &op)
	}()

	name, err := dev.Name()
	if err != nil {
		op.Err = err
		return
	}

	base, err := dev.BasePath()
	if err != nil {
		op.Err = err
		return
	}

	target, err := dev.Target()
	if err != nil {
		op.Err = err
		return
	}

	wr, out, err := r.Storage.Create(base, devices.ExportFileName(name, r.Timestamp, mode))
	if err != nil {
		op.Err = err
		op.fatal = true
		return
	}
	op.File = out

	cmd := transport.Command{Line: devices.ExportCommand(mode, dev.ROS7())}

	l.Infof("exporting `%s'...", cmd)

	err = r.runCommand(ctx, target, cmd, wr)
	if e := wr.CloseWithError(err); err == nil && e != nil {
		err = e
		op.fatal = true
	}

	if err != nil {
		op.Err = err
		return
	}

	l.Infof("Export saved to %s", out)

	return
}

// Backup creates a binary backup on the device, copies it into BASE_PATH
// and removes it from the device. A failed step skips the following ones.
func (r *Runner) Backup(ctx context.Context, dev *devices.Device) Operation {
	return r.backup(ctx, dev, nil)
}

func (r *Runner) backup(ctx context.Context, dev *devices.Device, a *archiver) (op Operation) {
	op = Operation{
		Kind: KindBackup,
	}

	l := r.Logger.WithFields(logrus.Fields(dev.Metadata()))

	defer func() {
		if op.Err != nil {
			l.Errorf("Command failed with error: %v", op.Err)
		}
	}()

	name, err := dev.Name()
	if err != nil {
		op.Err = err
		return
	}

	base, err := dev.BasePath()
	if err != nil {
		op.Err = err
		return
	}

	target, err := dev.Target()
	if err != nil {
		op.Err = err
		return
	}

	if err := r.Storage.Ensure(base); err != nil {
		op.Err = err
		op.fatal = true
		return
	}

	file := devices.BackupFileName(name, r.Timestamp)
	password := dev.BackupPassword()

	create := transport.Command{
		Line:   devices.BackupSaveCommand(file, password),
		Secret: password,
	}

	if err := r.runCommand(ctx, target, create, nil); err != nil {
		op.Err = err
		return
	}

	l.Infof("Created %s on %s", file, dev.Key)

	out, err := r.fetch(ctx, target, file, base)
	if err != nil {
		op.Err = err
		return
	}
	op.File = out

	l.Infof("Backup retrieved from %s, and saved to: %s", dev.Key, out)

	r.archive(ctx, a, dev, &op)

	if err := r.runCommand(ctx, target, transport.Command{Line: devices.FileRemoveCommand(file)}, nil); err != nil {
		op.Err = fmt.Errorf("remove: %w", err)
		return
	}

	l.Infof("%s removed from %s.", file, dev.Key)

	return
}

func (r *Runner) device(ctx context.Context, key string, a *archiver) *DeviceResult {
	res := DeviceResult{Key: key}

	opts, ok := r.Registry.Lookup(key)
	if !ok {
		r.Logger.Errorf("Device '%s' not found in the configuration file.", key)
		res.Err = ErrDeviceNotFound
		return &res
	}

	dev := devices.New(key, opts)
	plan := dev.Plan()

	l := r.Logger.WithFields(logrus.Fields(dev.Metadata()))

	if plan.Empty() {
		l.Info("nothing requested")
		return &res
	}

	if plan.Backup {
		op := r.backup(ctx, dev, a)
		res.Operations = append(res.Operations, op)

		if op.fatal {
			return &res
		}
	}

	for _, mode := range plan.Exports {
		if ctx.Err() != nil {
			break
		}

		op := r.export(ctx, dev, mode, a)
		res.Operations = append(res.Operations, op)

		if op.fatal {
			break
		}
	}

	return &res
}

// Run processes the named devices in the given order, or the whole registry
// in document order when keys is empty. Device failures are collected in the
// report; the returned error is only set if the run was cancelled.
func (r *Runner) Run(ctx context.Context, keys ...string) (*Report, error) {
	if len(keys) == 0 {
		for _, e := range r.Registry.Entries() {
			keys = append(keys, e.Key)
		}
	}

	report := Report{
		RunID:     r.RunID,
		Timestamp: r.Timestamp,
	}

	l := r.Logger.WithField("run", r.RunID)
	l.Infof("%d devices, timestamp %s", len(keys), r.Timestamp)

	var a archiver

	if r.Archive != nil {
		tx, err := r.Archive.Begin(ctx, devices.Metadata{
			"timestamp": r.Timestamp,
			"run":       r.RunID,
		})
		if err != nil {
			l.Error(err)
			report.ArchiveErr = err
		}
		a.tx = tx
	}

	for _, key := range keys {
		select {
		case <-ctx.Done(): // Parent context canceled
			return &report, ctx.Err()
		default:
		}

		report.Devices = append(report.Devices, r.device(ctx, key, &a))
	}

	if a.tx != nil {
		l.Infoln("committing...")

		if err := a.tx.Commit(ctx); err != nil {
			l.Error(err)
			if a.err == nil {
				a.err = err
			}
		}

		if report.ArchiveErr == nil {
			report.ArchiveErr = a.err
		}
	}

	if report.Failed() {
		l.Warnf("finished with %d failures", len(report.Failures()))
	} else {
		l.Info("done")
	}

	return &report, nil
}

// Do runs every device in the registry.
func (r *Runner) Do(ctx context.Context) (*Report, error) {
	return r.Run(ctx)
}

// NewDryRun builds a Runner without an archive. It is enough for Plan and
// never touches the archive repository.
func NewDryRun(c *config.Config, reg *config.Registry, logger *logrus.Logger) (*Runner, error) {
	timeout, err := c.CommandTimeout()
	if err != nil {
		return nil, err
	}

	driver := c.TransportDriver()
	logger.WithField("driver", driver).Debug("initializing transport...")

	tr, err := transport.NewTransport(driver, c.Transport, logger)
	if err != nil {
		return nil, err
	}

	filters, err := filter.Build(c.Filters, c.ExportFilters, logger)
	if err != nil {
		return nil, err
	}

	r := Runner{
		Registry:       reg,
		Transport:      tr,
		Storage:        storage.NewFileStorageFromOptions(c.Storage, logger),
		Filters:        filters,
		Timestamp:      devices.NewTimestamp(time.Now()),
		RunID:          uuid.NewString(),
		CommandTimeout: timeout,
		Logger:         logger,
	}

	return &r, nil
}

func New(ctx context.Context, c *config.Config, reg *config.Registry, logger *logrus.Logger) (*Runner, error) {
	r, err := NewDryRun(c, reg, logger)
	if err != nil {
		return nil, err
	}

	if len(c.Archive) != 0 {
		driver, _ := c.Archive.GetString("driver")
		if driver == "" {
			return nil, errors.New("Archive driver is not specified")
		}

		logger.WithField("driver", driver).Infoln("initializing archive...")

		r.Archive, err = storage.NewArchive(ctx, driver, c.Archive, logger)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}
