package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// ReloadCredentials re-reads every role's credential file and returns the
// roles whose live token changed. The chat session picks up a new bot token
// on its next connect.
func (b *Bot) ReloadCredentials() ([]string, error) {
	var (
		changed []string
		errs    []error
	)
	for _, role := range b.deps.Creds.Roles() {
		ok, err := b.deps.Creds.Reload(role)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed = append(changed, role.String())
			slog.Info("bot: reloaded credentials", "role", role)
		}
	}
	return changed, errors.Join(errs...)
}

// WatchCredentialFiles reloads credentials whenever one of paths changes on
// disk, until ctx ends. Editors that replace files by rename are followed.
func (b *Bot) WatchCredentialFiles(ctx context.Context, paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := false
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			slog.Error("bot: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Debug("bot: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				if _, err := b.ReloadCredentials(); err != nil {
					slog.Error("bot: credential reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("bot: watch error", "err", err)
			}
		}
	}()
	return nil
}
