package systemd

import (
	"errors"
	"strings"
)

var (
	ErrNoSuchUnit  = errors.New("systemd: no such unit")
	ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")
)

var unitSuffixes = []string{
	".service", ".socket", ".target", ".timer", ".path", ".mount", ".automount", ".swap", ".slice", ".scope", ".device",
}

// UnitName appends ".service" unless name already carries a unit type suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	for _, s := range unitSuffixes {
		if strings.HasSuffix(name, s) {
			return name
		}
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found")
}
