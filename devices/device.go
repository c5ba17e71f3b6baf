package devices

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/abclution/mikback/config"
)

// Registry record keys
const (
	KeyName           = "DEVICE_NAME"
	KeyIP             = "DEVICE_IP"
	KeyPort           = "DEVICE_PORT"
	KeyUsername       = "DEVICE_USERNAME"
	KeyPassword       = "DEVICE_PASSWORD"
	KeySSHKey         = "DEVICE_SSHKEY"
	KeyROS7           = "DEVICE_ROS7"
	KeySSHOptions     = "SSH_OPTIONS"
	KeyBasePath       = "BASE_PATH"
	KeyBackup         = "BACKUP"
	KeyBackupPassword = "BACKUP_PASSWORD"
	KeyExport         = "EXPORT"
	KeyExportCompact  = "EXPORT_COMPACT"
	KeyExportVerbose  = "EXPORT_VERBOSE"
	KeyExportTerse    = "EXPORT_TERSE"
)

const DefaultPort = 22

var errNoAuth = errors.New("neither " + KeyPassword + " nor " + KeySSHKey + " is set")

// Device wraps one registry record. Fields are decoded on access so that a
// missing key only fails the operation that needs it.
type Device struct {
	Key  string
	opts config.Options
}

func New(key string, opts config.Options) *Device {
	return &Device{Key: key, opts: opts}
}

func (d *Device) required(name string) (string, error) {
	v, err := d.opts.GetString(name)
	if err != nil || v == "" {
		return "", fmt.Errorf("device `%s': missing %s", d.Key, name)
	}
	return v, nil
}

func (d *Device) optional(name string) string {
	v, _ := d.opts.GetString(name)
	return v
}

func (d *Device) flag(name string) bool {
	v, _ := d.opts.GetBool(name)
	return v
}

func (d *Device) Name() (string, error) { return d.required(KeyName) }

func (d *Device) BasePath() (string, error) { return d.required(KeyBasePath) }

func (d *Device) ROS7() bool { return d.flag(KeyROS7) }

// BackupPassword is empty when the backup must not be encrypted.
func (d *Device) BackupPassword() string { return d.optional(KeyBackupPassword) }

// Target is the resolved SSH endpoint of a device.
type Target struct {
	Name       string
	Host       string
	Port       int
	Username   string
	Password   string
	KeyFile    string
	SSHOptions string
}

func (t *Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// PasswordAuth reports whether the password is used instead of the key file.
func (t *Target) PasswordAuth() bool { return t.Password != "" }

func (d *Device) Target() (*Target, error) {
	var (
		t   Target
		err error
	)

	if t.Name, err = d.Name(); err != nil {
		return nil, err
	}

	if t.Host, err = d.required(KeyIP); err != nil {
		return nil, err
	}

	if t.Username, err = d.required(KeyUsername); err != nil {
		return nil, err
	}

	port, err := d.opts.GetInt(KeyPort)
	switch {
	case errors.Is(err, config.ErrOptNotFound):
		port = DefaultPort
	case err != nil:
		return nil, fmt.Errorf("device `%s': %s: %v", d.Key, KeyPort, err)
	case port <= 0 || port > 65535:
		return nil, fmt.Errorf("device `%s': %s out of range: %d", d.Key, KeyPort, port)
	}
	t.Port = int(port)

	t.Password = d.optional(KeyPassword)
	t.KeyFile = d.optional(KeySSHKey)
	t.SSHOptions = d.optional(KeySSHOptions)

	if t.Password == "" && t.KeyFile == "" {
		return nil, fmt.Errorf("device `%s': %v", d.Key, errNoAuth)
	}

	return &t, nil
}

// Metadata describes the device for logging. Secrets are left out.
func (d *Device) Metadata() Metadata {
	m := Metadata{"device": d.Key}

	if v := d.optional(KeyName); v != "" {
		m["name"] = v
	}

	if v := d.optional(KeyIP); v != "" {
		m["host"] = v
	}

	return m
}
