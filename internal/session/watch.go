package session

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch refreshes the discovery cache whenever the transcript directory
// changes, so sessions created or removed by other tooling show up without a
// daemon restart. Events are debounced; a burst of transcript appends costs
// one rescan. Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.transcripts.Dir()); err != nil {
		return err
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("transcript watcher error", "error", err)
		case <-fire:
			timer, fire = nil, nil
			if err := r.LoadCache(); err != nil {
				r.log.Warn("discovery rescan failed", "error", err)
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}
