package config

import "sync"

// Preferences are process-wide scheduling knobs with an init-once, read-many
// lifecycle.
type Preferences struct {
	// ShuffleQueue randomizes the order of the eligible regular-task set
	// before the random pick.
	ShuffleQueue bool
	// AllowAssigningToSameTopTier relaxes tier suppression so that agents
	// tied with the top online tier are suppressed too (rule ">=" instead of
	// the stricter default ">").
	AllowAssigningToSameTopTier bool
}

var (
	prefsMu sync.RWMutex
	prefs   Preferences
)

// InitPrefs sets the global preferences. Call once at startup.
func InitPrefs(p Preferences) {
	prefsMu.Lock()
	defer prefsMu.Unlock()
	prefs = p
}

// Prefs returns a copy of the current preferences.
func Prefs() Preferences {
	prefsMu.RLock()
	defer prefsMu.RUnlock()
	return prefs
}
