package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level, contacts
// and bank settings are applied live (the latter two from the next voice
// session on); every other section needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ContactsChanged bool
	ContactsAdded   []string
	ContactsRemoved []string

	BankChanged bool

	// RestartRequired names the changed sections that are only read at startup.
	RestartRequired []string
}

// Changed reports whether any live-reloadable setting differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ContactsChanged || d.BankChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Contacts, new.Contacts) {
		d.ContactsChanged = true
		oldNames := make(map[string]bool, len(old.Contacts))
		for _, c := range old.Contacts {
			oldNames[c.Name] = true
		}
		newNames := make(map[string]bool, len(new.Contacts))
		for _, c := range new.Contacts {
			newNames[c.Name] = true
			if !oldNames[c.Name] {
				d.ContactsAdded = append(d.ContactsAdded, c.Name)
			}
		}
		for _, c := range old.Contacts {
			if !newNames[c.Name] {
				d.ContactsRemoved = append(d.ContactsRemoved, c.Name)
			}
		}
	}

	d.BankChanged = old.Bank != new.Bank

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"listener", old.Listener, new.Listener},
		{"store", old.Store, new.Store},
		{"ledger_feed", old.LedgerFeed, new.LedgerFeed},
		{"telemetry", old.Telemetry, new.Telemetry},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
