package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// reloadDebounce coalesces the burst of fsnotify events an editor or
// config-management write produces into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the catalog whenever one of its files changes. It blocks
// until ctx is canceled. Reload failures keep the previous snapshot; the
// onReload hook (may be nil) observes every attempt.
func (c *Catalog) Watch(ctx context.Context, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.loader.Dir()); err != nil {
		return err
	}

	log := util.WithComponent("catalog")
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			log.WithField("file", filepath.Base(ev.Name)).Debug("catalog file changed")
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			err := c.Reload()
			if err != nil {
				log.WithField("error", err).Warn("catalog reload failed, keeping previous snapshot")
			}
			if onReload != nil {
				onReload(err)
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithField("error", werr).Warn("catalog watcher error")
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	return strings.HasSuffix(name, ".json")
}
