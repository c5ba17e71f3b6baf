package devices

import "strings"

// ExportMode selects the RouterOS export output format. The zero value is
// the default unrestricted export.
type ExportMode struct {
	Compact bool
	Verbose bool
	Terse   bool
}

func (m ExportMode) Args() []string {
	var args []string
	if m.Compact {
		args = append(args, "compact")
	}
	if m.Verbose {
		args = append(args, "verbose")
	}
	if m.Terse {
		args = append(args, "terse")
	}
	return args
}

// Suffix is the file name marker, e.g. COMPACT_TERSE. Empty for the default
// mode.
func (m ExportMode) Suffix() string {
	return strings.ToUpper(strings.Join(m.Args(), "_"))
}

func (m ExportMode) String() string {
	if s := m.Suffix(); s != "" {
		return strings.ToLower(s)
	}
	return "default"
}

const showSensitive = "show-sensitive"

// ExportCommand builds the /export invocation. RouterOS 7 hides secrets in
// exports unless show-sensitive is given.
func ExportCommand(m ExportMode, ros7 bool) string {
	cmd := append([]string{"/export"}, m.Args()...)
	if ros7 {
		cmd = append(cmd, showSensitive)
	}
	return strings.Join(cmd, " ")
}

func BackupSaveCommand(name, password string) string {
	if password == "" {
		return "/system backup save dont-encrypt=yes name=" + name
	}
	return "/system backup save encryption=aes-sha256 password=" + password + " name=" + name
}

func FileRemoveCommand(name string) string {
	return "/file remove " + name
}
