// Package filewatch cancels contexts on file modification.
//
// knitflow processes do not reload their config. They quit when the config is modified,
// and the orchestrator (kubernetes, systemd, ...) restarts them with the new one.
package filewatch

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context that is canceled
// when one of target files is modified (= written, created, removed, renamed or chmod-ed).
//
// Empty paths are ignored. If all paths are empty, it just returns a cancellable context.
//
// # Returns
//
// - context.Context: context that is canceled when one of target files is modified.
// context.Cause tells which file is modified.
//
// - func(): cancel function.
//
// - error: error caused when it fails to start watching files.
// If error is not nil, both of the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	targets := make([]string, 0, len(targetFilePath))
	for _, f := range targetFilePath {
		if f != "" {
			targets = append(targets, f)
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	if len(targets) == 0 {
		return cctx, func() { cancel(nil) }, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	for _, f := range targets {
		if err := w.Add(f); err != nil {
			w.Close()
			cancel(err)
			return nil, nil, err
		}
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				cancel(fmt.Errorf("%s is updated (%s)", event.Name, event.Op.String()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watching files: %w", err))
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
