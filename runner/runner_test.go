package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/abclution/mikback/filter"
	"github.com/abclution/mikback/storage"
	"github.com/abclution/mikback/transport"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimestamp = "2024-01-01-1704100000"

type call struct {
	Kind    string
	Device  string
	Command string
	Secret  string
}

type fakeTransport struct {
	calls  []call
	output string
	// Command prefix or "fetch" to error
	fail map[string]error
}

func (f *fakeTransport) failure(s string) error {
	for prefix, err := range f.fail {
		if strings.HasPrefix(s, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, t *devices.Target, cmd transport.Command, stdout io.Writer) error {
	f.calls = append(f.calls, call{Kind: "run", Device: t.Name, Command: cmd.Line, Secret: cmd.Secret})

	if stdout != nil && f.output != "" {
		io.WriteString(stdout, f.output)
	}

	return f.failure(cmd.Line)
}

func (f *fakeTransport) Fetch(ctx context.Context, t *devices.Target, name, dir string) (string, error) {
	f.calls = append(f.calls, call{Kind: "fetch", Device: t.Name, Command: name})

	if err := f.failure("fetch"); err != nil {
		return "", err
	}

	out := filepath.Join(dir, name)
	return out, os.WriteFile(out, []byte("backup"), 0600)
}

func (f *fakeTransport) commands() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Kind+" "+c.Command)
	}
	return out
}

func device(base string, flags map[string]interface{}) config.Options {
	opts := config.Options{
		devices.KeyName:          "R1",
		devices.KeyIP:            "10.0.0.1",
		devices.KeyPort:          float64(22),
		devices.KeyUsername:      "admin",
		devices.KeySSHKey:        "/k",
		devices.KeySSHOptions:    "",
		devices.KeyBasePath:      base,
		devices.KeyBackup:        false,
		devices.KeyExport:        false,
		devices.KeyExportCompact: false,
		devices.KeyExportVerbose: false,
		devices.KeyExportTerse:   false,
	}

	for k, v := range flags {
		opts[k] = v
	}

	return opts
}

func registry(t *testing.T, doc string) *config.Registry {
	reg, err := config.DecodeRegistry(strings.NewReader(doc))
	require.NoError(t, err)
	return reg
}

func registryOf(t *testing.T, entries ...config.Entry) *config.Registry {
	doc := "{"
	for i, e := range entries {
		if i != 0 {
			doc += ","
		}
		doc += `"` + e.Key + `":` + toJSON(t, e.Options)
	}
	return registry(t, doc+"}")
}

func newTestRunner(reg *config.Registry, tr transport.Transport) (*Runner, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return &Runner{
		Registry:       reg,
		Transport:      tr,
		Storage:        storage.NewFileStorage(false, logger),
		Timestamp:      testTimestamp,
		RunID:          "run-1",
		CommandTimeout: time.Minute,
		Logger:         logger,
	}, hook
}

func TestScenarioPlainExport(t *testing.T) {
	base := t.TempDir()

	reg := registry(t, `{"R1": {"DEVICE_NAME":"R1","DEVICE_IP":"10.0.0.1","DEVICE_PORT":22,"DEVICE_USERNAME":"admin","DEVICE_SSHKEY":"/k","SSH_OPTIONS":"","BASE_PATH":`+quote(base)+`,"BACKUP":false,"EXPORT":true,"EXPORT_COMPACT":false,"EXPORT_VERBOSE":false,"EXPORT_TERSE":false}}`)
	tr := &fakeTransport{output: "/system identity\nset name=R1\n"}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Failed())

	assert.Equal(t, []string{"run /export"}, tr.commands())

	out := filepath.Join(base, "R1_2024-01-01-1704100000.rsc")
	require.Len(t, report.Devices, 1)
	require.Len(t, report.Devices[0].Operations, 1)
	assert.Equal(t, out, report.Devices[0].Operations[0].File)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "/system identity\nset name=R1\n", string(data))
}

func TestNothingRequestedIssuesNoCommands(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), nil)})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tr.calls)
	assert.False(t, report.Failed())
}

func TestCompactTerseExport(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(base, map[string]interface{}{
		devices.KeyExport:        true,
		devices.KeyExportCompact: true,
		devices.KeyExportTerse:   true,
	})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	require.Len(t, tr.calls, 1)
	assert.Contains(t, tr.calls[0].Command, "compact")
	assert.Contains(t, tr.calls[0].Command, "terse")

	file := report.Devices[0].Operations[0].File
	assert.Contains(t, filepath.Base(file), "COMPACT_TERSE")
	assert.FileExists(t, file)
}

func TestROS7ExportsShowSensitive(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{
		devices.KeyROS7:          true,
		devices.KeyExport:        true,
		devices.KeyExportCompact: true,
		devices.KeyExportVerbose: true,
		devices.KeyExportTerse:   true,
	})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	_, err := r.Do(context.Background())
	require.NoError(t, err)

	require.Len(t, tr.calls, 2)
	for _, c := range tr.calls {
		assert.True(t, strings.HasSuffix(c.Command, "show-sensitive"), c.Command)
	}
}

func TestBackupSequence(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(base, map[string]interface{}{
		devices.KeyBackup:         true,
		devices.KeyBackupPassword: "b4ckup",
	})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Failed())

	file := "R1_2024-01-01-1704100000.backup"
	assert.Equal(t, []string{
		"run /system backup save encryption=aes-sha256 password=b4ckup name=" + file,
		"fetch " + file,
		"run /file remove " + file,
	}, tr.commands())
	assert.Equal(t, "b4ckup", tr.calls[0].Secret)
	assert.FileExists(t, filepath.Join(base, file))
}

func TestBackupUnencrypted(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{
		devices.KeyBackup:         true,
		devices.KeyBackupPassword: nil,
	})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	_, err := r.Do(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, tr.calls)
	assert.Contains(t, tr.calls[0].Command, "dont-encrypt=yes")
	assert.NotContains(t, tr.calls[0].Command, "password")
}

func TestBackupCreateFailureStopsSequence(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t,
		config.Entry{Key: "R1", Options: device(base, map[string]interface{}{devices.KeyBackup: true})},
		config.Entry{Key: "R2", Options: device(base, map[string]interface{}{devices.KeyName: "R2", devices.KeyBackup: true})},
	)
	tr := &fakeTransport{fail: map[string]error{
		"/system backup save dont-encrypt=yes name=R1_": errors.New("exit status 1"),
	}}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())

	var r1 []call
	for _, c := range tr.calls {
		if c.Device == "R1" {
			r1 = append(r1, c)
		}
	}
	require.Len(t, r1, 1)
	assert.Equal(t, "run", r1[0].Kind)

	// R2 is processed independently
	assert.Len(t, tr.calls, 4)
	assert.False(t, report.Devices[1].Failed())
}

func TestBackupFetchFailureSkipsRemove(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{devices.KeyBackup: true})})
	tr := &fakeTransport{fail: map[string]error{"fetch": errors.New("exit status 1")}}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Len(t, tr.calls, 2)
}

func TestUnknownDeviceKey(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{devices.KeyExport: true})})
	tr := &fakeTransport{}
	r, hook := newTestRunner(reg, tr)

	report, err := r.Run(context.Background(), "nope", "R1")
	require.NoError(t, err)

	require.Len(t, report.Devices, 2)
	assert.ErrorIs(t, report.Devices[0].Err, ErrDeviceNotFound)
	assert.False(t, report.Devices[1].Failed())
	assert.Equal(t, []string{"run /export"}, tr.commands())

	var found bool
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "Device 'nope' not found") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExportFailureKeepsPartialFileAndContinues(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t,
		config.Entry{Key: "R1", Options: device(base, map[string]interface{}{devices.KeyExport: true, devices.KeyExportVerbose: true, devices.KeyExportCompact: true})},
		config.Entry{Key: "R2", Options: device(base, map[string]interface{}{devices.KeyName: "R2", devices.KeyExport: true})},
	)
	tr := &fakeTransport{
		output: "/interface\n",
		fail:   map[string]error{"/export compact": errors.New("exit status 255")},
	}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, []string{"run /export compact", "run /export verbose", "run /export"}, tr.commands())

	failed := report.Devices[0].Operations[0]
	require.Error(t, failed.Err)
	data, err := os.ReadFile(failed.File)
	require.NoError(t, err)
	assert.Equal(t, "/interface\n", string(data))

	assert.Equal(t, []string{"R1: export compact: exit status 255"}, report.Failures())
}

func TestMissingFieldFailsOnlyThatDevice(t *testing.T) {
	base := t.TempDir()
	broken := device(base, map[string]interface{}{devices.KeyExport: true, devices.KeyBackup: true})
	delete(broken, devices.KeyIP)

	reg := registryOf(t,
		config.Entry{Key: "broken", Options: broken},
		config.Entry{Key: "R2", Options: device(base, map[string]interface{}{devices.KeyName: "R2", devices.KeyExport: true})},
	)
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Devices[0].Failed())
	assert.Len(t, report.Devices[0].Operations, 2)
	assert.False(t, report.Devices[1].Failed())
	assert.Equal(t, []string{"run /export"}, tr.commands())
}

func TestUnwritableBasePathStopsDevice(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	reg := registryOf(t, config.Entry{Key: "R1", Options: device(filepath.Join(blocker, "sub"), map[string]interface{}{
		devices.KeyBackup:        true,
		devices.KeyExport:        true,
		devices.KeyExportCompact: true,
		devices.KeyExportVerbose: true,
	})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	assert.Empty(t, tr.calls)
	require.Len(t, report.Devices[0].Operations, 1)
	assert.Equal(t, KindBackup, report.Devices[0].Operations[0].Kind)
	assert.True(t, report.Failed())
}

type envRecorder struct {
	cmds []*transport.Cmd
	env  []bool
}

func (e *envRecorder) Run(ctx context.Context, cmd *transport.Cmd) error {
	_, ok := os.LookupEnv(transport.SecretEnv)
	e.env = append(e.env, ok)
	e.cmds = append(e.cmds, cmd)
	return nil
}

func TestSecretNeverInProcessEnvironment(t *testing.T) {
	base := t.TempDir()
	pw := device(base, map[string]interface{}{
		devices.KeyExport:   true,
		devices.KeyBackup:   true,
		devices.KeyPassword: "s3cret",
	})
	delete(pw, devices.KeySSHKey)

	reg := registryOf(t,
		config.Entry{Key: "R1", Options: pw},
		config.Entry{Key: "R2", Options: device(base, map[string]interface{}{devices.KeyName: "R2", devices.KeyExport: true})},
	)

	logger, _ := test.NewNullLogger()
	rec := &envRecorder{}
	tr := transport.NewExec(transport.DefaultBuilder(), logger)
	tr.Runner = rec

	r, _ := newTestRunner(reg, tr)

	_, ok := os.LookupEnv(transport.SecretEnv)
	require.False(t, ok)

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	_, ok = os.LookupEnv(transport.SecretEnv)
	assert.False(t, ok)

	require.Len(t, rec.cmds, 5)
	for i, cmd := range rec.cmds[:4] {
		assert.False(t, rec.env[i])
		assert.Equal(t, "sshpass", cmd.Path)
		assert.Equal(t, []string{"SSHPASS=s3cret"}, cmd.Env)
		assert.NotContains(t, cmd.Args, "s3cret")
	}

	assert.Equal(t, "ssh", rec.cmds[4].Path)
	assert.Empty(t, rec.cmds[4].Env)

	// The fake runner does not create the backup file, the device still
	// completes every step
	assert.False(t, report.Failed())
}

func TestExportFilters(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(base, map[string]interface{}{devices.KeyExport: true})})
	tr := &fakeTransport{output: "# 2024-01-01 09:06:40 by RouterOS 7.12\n/system identity\n"}
	r, _ := newTestRunner(reg, tr)

	filters, err := filter.Build([]*config.Filter{
		{Filter: "regexp", Name: "header", Options: config.Options{"expr": "by RouterOS", "drop": true}},
	}, []string{"header"}, r.Logger)
	require.NoError(t, err)
	r.Filters = filters

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(report.Devices[0].Operations[0].File)
	require.NoError(t, err)
	assert.Equal(t, "/system identity\n", string(data))
}

type fakeArchive struct {
	added     []devices.Metadata
	committed bool
	commitErr error
}

func (f *fakeArchive) Begin(ctx context.Context, metadata devices.Metadata) (storage.Tx, error) {
	return f, nil
}

func (f *fakeArchive) Add(ctx context.Context, path string, metadata devices.Metadata) error {
	f.added = append(f.added, metadata)
	return nil
}

func (f *fakeArchive) Commit(ctx context.Context) error {
	f.committed = true
	return f.commitErr
}

func TestArchive(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(base, map[string]interface{}{
		devices.KeyBackup:        true,
		devices.KeyExport:        true,
		devices.KeyExportVerbose: true,
	})})
	tr := &fakeTransport{fail: map[string]error{"/export verbose": errors.New("exit status 1")}}
	r, _ := newTestRunner(reg, tr)

	a := &fakeArchive{}
	r.Archive = a

	report, err := r.Do(context.Background())
	require.NoError(t, err)
	require.True(t, a.committed)

	require.Len(t, a.added, 2)
	assert.Equal(t, "R1_2024-01-01-1704100000.backup", a.added[0]["file"])
	assert.Nil(t, a.added[0]["error"])
	assert.Equal(t, "R1_2024-01-01-1704100000-VERBOSE.rsc", a.added[1]["file"])
	assert.NotNil(t, a.added[1]["error"])
	assert.Nil(t, report.ArchiveErr)

	a.commitErr = errors.New("git: push rejected")
	tr.fail = nil
	report, err = r.Do(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Contains(t, report.Failures(), "archive: git: push rejected")
}

func TestFailedDevicesCountsDevices(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t,
		config.Entry{Key: "R1", Options: device(base, map[string]interface{}{devices.KeyExport: true, devices.KeyExportVerbose: true, devices.KeyExportCompact: true})},
		config.Entry{Key: "R2", Options: device(base, map[string]interface{}{devices.KeyName: "R2", devices.KeyExport: true})},
	)
	tr := &fakeTransport{fail: map[string]error{
		"/export compact": errors.New("exit status 1"),
		"/export verbose": errors.New("exit status 1"),
	}}
	r, _ := newTestRunner(reg, tr)
	r.Archive = &fakeArchive{commitErr: errors.New("git: push rejected")}

	report, err := r.Do(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FailedDevices())
	assert.Equal(t, []string{
		"R1: export compact: exit status 1",
		"R1: export verbose: exit status 1",
		"archive: git: push rejected",
	}, report.Failures())
}

func TestSingleOperations(t *testing.T) {
	base := t.TempDir()
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(base, nil)})
	tr := &fakeTransport{output: "/system identity\n"}
	r, _ := newTestRunner(reg, tr)

	opts, ok := reg.Lookup("R1")
	require.True(t, ok)
	dev := devices.New("R1", opts)

	op := r.Export(context.Background(), dev, devices.ExportMode{Verbose: true})
	require.NoError(t, op.Err)
	assert.Equal(t, KindExport, op.Kind)
	assert.Equal(t, filepath.Join(base, "R1_"+testTimestamp+"-VERBOSE.rsc"), op.File)

	op = r.Backup(context.Background(), dev)
	require.NoError(t, op.Err)
	assert.Equal(t, filepath.Join(base, "R1_"+testTimestamp+".backup"), op.File)

	assert.Equal(t, []string{
		"run /export verbose",
		"run /system backup save dont-encrypt=yes name=R1_" + testTimestamp + ".backup",
		"fetch R1_" + testTimestamp + ".backup",
		"run /file remove R1_" + testTimestamp + ".backup",
	}, tr.commands())

	tr.fail = map[string]error{"fetch": errors.New("scp: no such file")}
	op = r.Backup(context.Background(), dev)
	assert.Error(t, op.Err)
	assert.NotContains(t, tr.commands()[len(tr.commands())-1], "/file remove")
}

func TestNewDryRunSkipsArchive(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{devices.KeyExport: true})})
	logger, _ := test.NewNullLogger()

	c := config.Default()
	c.Archive = config.Options{
		"driver": "git",
		"url":    "ssh://git@192.0.2.1/archive.git",
		"pull":   true,
	}

	r, err := NewDryRun(c, reg, logger)
	require.NoError(t, err)
	assert.Nil(t, r.Archive)
	require.Len(t, r.Plan(), 1)

	// Without a driver the full runner refuses the archive settings
	c.Archive = config.Options{"url": "ssh://git@192.0.2.1/archive.git"}
	_, err = New(context.Background(), c, reg, logger)
	assert.Error(t, err)
}

func TestCancelledRun(t *testing.T) {
	reg := registryOf(t, config.Entry{Key: "R1", Options: device(t.TempDir(), map[string]interface{}{devices.KeyExport: true})})
	tr := &fakeTransport{}
	r, _ := newTestRunner(reg, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Do(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.calls)
}

func TestPlan(t *testing.T) {
	base := t.TempDir()
	pw := device(base, map[string]interface{}{
		devices.KeyBackup:         true,
		devices.KeyBackupPassword: "b4ckup",
		devices.KeyExport:         true,
		devices.KeyExportCompact:  true,
		devices.KeyPassword:       "s3cret",
	})

	reg := registryOf(t,
		config.Entry{Key: "R1", Options: pw},
		config.Entry{Key: "idle", Options: device(base, nil)},
	)

	logger, _ := test.NewNullLogger()
	r, _ := newTestRunner(reg, transport.NewExec(transport.DefaultBuilder(), logger))

	steps := r.Plan("R1", "idle", "nope")
	require.Len(t, steps, 5)

	assert.Equal(t, "create", steps[0].Mode)
	assert.Contains(t, steps[0].Command, "password=******")
	assert.True(t, strings.HasPrefix(steps[0].Client, "sshpass -e ssh"))
	assert.NotContains(t, steps[0].Client, "b4ckup")

	assert.Equal(t, "fetch", steps[1].Mode)
	assert.Equal(t, filepath.Join(base, "R1_2024-01-01-1704100000.backup"), steps[1].File)
	assert.Contains(t, steps[1].Client, "admin@10.0.0.1:/R1_2024-01-01-1704100000.backup")

	assert.Equal(t, "/file remove R1_2024-01-01-1704100000.backup", steps[2].Command)

	assert.Equal(t, KindExport, steps[3].Kind)
	assert.Equal(t, filepath.Join(base, "R1_2024-01-01-1704100000-COMPACT.rsc"), steps[3].File)

	assert.ErrorIs(t, steps[4].Err, ErrDeviceNotFound)
}
