package config

import "reflect"

// ConfigDiff describes what changed between two configs, so a SIGHUP
// reload only touches the collaborators whose inputs actually moved.
type ConfigDiff struct {
	PresetsAdded   []string
	PresetsRemoved []string
	PresetsChanged []string

	DefaultsChanged bool
	NewDefaults     DefaultsConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	NotifyChatIDChanged bool
	NewNotifyChatID     int64

	// NonReloadable lists fields that changed but require a process
	// restart to take effect (logged as warnings, never silently applied).
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.PresetsAdded) > 0 ||
		len(d.PresetsRemoved) > 0 ||
		len(d.PresetsChanged) > 0 ||
		d.DefaultsChanged ||
		d.SchedulerChanged ||
		d.NotifyChatIDChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Presets {
		if _, ok := old.Presets[name]; !ok {
			d.PresetsAdded = append(d.PresetsAdded, name)
		}
	}
	for name := range old.Presets {
		if _, ok := new.Presets[name]; !ok {
			d.PresetsRemoved = append(d.PresetsRemoved, name)
		}
	}
	for name, newP := range new.Presets {
		if oldP, ok := old.Presets[name]; ok && !reflect.DeepEqual(oldP, newP) {
			d.PresetsChanged = append(d.PresetsChanged, name)
		}
	}

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Notify.ChatID != new.Notify.ChatID {
		d.NotifyChatIDChanged = true
		d.NewNotifyChatID = new.Notify.ChatID
	}

	if old.Notify.TelegramToken != new.Notify.TelegramToken {
		d.NonReloadable = append(d.NonReloadable, "notify.telegram_token")
	}
	if old.Bridge != new.Bridge {
		d.NonReloadable = append(d.NonReloadable, "bridge")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
