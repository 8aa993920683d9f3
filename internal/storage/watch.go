// Follows a storage file a live simulation is appending to.

package storage

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch follows the backing file of a read-only storage and invokes fn
// after each batch of appended records has been scanned. It blocks until
// ctx is canceled or the watcher fails. The single-writer model holds: the
// watched storage never writes, it only re-reads the growing tail.
func (st *Storage) Watch(ctx context.Context, fn func()) error {
	if !st.readOnly {
		return fmt.Errorf("storage: watch requires a read-only storage")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("storage: start watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(st.file.Path()); err != nil {
		return fmt.Errorf("storage: watch %s: %w", st.file.Path(), err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := st.file.Refresh(); err != nil {
				return err
			}
			fn()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("storage: watcher: %w", err)
		}
	}
}
