// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Which options may change while workers run, and the file watcher that
// feeds them into a ConfigStore.

package control

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// HotKeys are the options applied without restart. Everything else (worker
// count, arena sizing, backend) is fixed once workers start.
var HotKeys = []string{"op_timeout", "max_frame_size", "log_level"}

// MergeHot copies the hot options of next onto cur and names those that changed.
func MergeHot(cur, next Config) (Config, []string) {
	var changed []string
	if cur.OpTimeout != next.OpTimeout {
		cur.OpTimeout = next.OpTimeout
		changed = append(changed, "op_timeout")
	}
	if cur.MaxFrameSize != next.MaxFrameSize {
		cur.MaxFrameSize = next.MaxFrameSize
		changed = append(changed, "max_frame_size")
	}
	if cur.LogLevel != next.LogLevel {
		cur.LogLevel = next.LogLevel
		changed = append(changed, "log_level")
	}
	return cur, changed
}

// Watch reloads path into store whenever the file is written or replaced,
// until ctx is done. Invalid files are logged and ignored.
func Watch(ctx context.Context, path string, store *ConfigStore, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path = filepath.Clean(path)
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				reload(path, store, log)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", path).Msg("config watcher error")
			}
		}
	}()
	return nil
}

func reload(path string, store *ConfigStore, log zerolog.Logger) {
	next, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
		return
	}
	merged, changed := MergeHot(store.Current(), next)
	if len(changed) == 0 {
		return
	}
	log.Info().Strs("keys", changed).Msg("config reloaded")
	store.SetConfig(merged)
}
