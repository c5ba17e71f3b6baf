package devices

import (
	"strconv"
	"time"
)

const (
	ExportExt = ".rsc"
	BackupExt = ".backup"
)

// NewTimestamp formats the run stamp as the local date followed by Unix
// seconds, e.g. 2024-01-01-1704100000.
func NewTimestamp(t time.Time) string {
	return t.Format("2006-01-02") + "-" + strconv.FormatInt(t.Unix(), 10)
}

func ExportFileName(name, timestamp string, m ExportMode) string {
	out := name + "_" + timestamp
	if s := m.Suffix(); s != "" {
		out += "-" + s
	}
	return out + ExportExt
}

func BackupFileName(name, timestamp string) string {
	return name + "_" + timestamp + BackupExt
}

// Plan lists the operations requested by a device record.
type Plan struct {
	Backup  bool
	Exports []ExportMode
}

func (p Plan) Empty() bool { return !p.Backup && len(p.Exports) == 0 }

// Plan evaluates the record flags. EXPORT enables exporting; with no mode
// flags it yields one default export. Otherwise compact and verbose each get
// their own export, combined with terse when EXPORT_TERSE is set. Terse
// alone is a single terse export.
func (d *Device) Plan() Plan {
	p := Plan{Backup: d.flag(KeyBackup)}

	if !d.flag(KeyExport) {
		return p
	}

	terse := d.flag(KeyExportTerse)

	if d.flag(KeyExportCompact) {
		p.Exports = append(p.Exports, ExportMode{Compact: true, Terse: terse})
	}

	if d.flag(KeyExportVerbose) {
		p.Exports = append(p.Exports, ExportMode{Verbose: true, Terse: terse})
	}

	if len(p.Exports) == 0 {
		p.Exports = append(p.Exports, ExportMode{Terse: terse})
	}

	return p
}
