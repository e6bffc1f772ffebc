package pool

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// restartFile is the per-root sentinel whose appearance (or mtime change, when
// it cannot be unlinked) forces a domain purge and reload.
const restartFile = "tmp/restart.txt"

// restartTracker remembers the last observed trigger mtime per application
// root. It is only used while holding the pool mutex.
type restartTracker struct {
	seen map[string]time.Time
}

func newRestartTracker() *restartTracker {
	return &restartTracker{seen: make(map[string]time.Time)}
}

// NeedsRestart probes <appRoot>/tmp/restart.txt. Deleting the trigger is the
// preferred consumption signal; when the file cannot be removed (read-only
// mounts) an mtime change is reported instead.
func (t *restartTracker) NeedsRestart(appRoot string) bool {
	path := filepath.Join(appRoot, restartFile)

	fi, err := os.Stat(path)
	if err != nil {
		delete(t.seen, appRoot)
		return false
	}

	if err := os.Remove(path); err == nil || os.IsNotExist(err) {
		// Consumed the trigger, or lost a removal race; both count as consumed.
		delete(t.seen, appRoot)
		return true
	}

	log.Warn().
		Str("event", "restart_trigger_undeletable").
		Str("app_root", appRoot).
		Msg("restart trigger cannot be removed, falling back to mtime compare")

	last, ok := t.seen[appRoot]
	t.seen[appRoot] = fi.ModTime()
	if !ok {
		return true
	}

	return !fi.ModTime().Equal(last)
}

// Forget drops the recorded mtime for a root. Called when its domain goes away.
func (t *restartTracker) Forget(appRoot string) {
	delete(t.seen, appRoot)
}
