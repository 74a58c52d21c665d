package edge

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/Keksclan/nutcache/policy"
	"go.uber.org/zap"
)

// State is a step of the worker lifecycle.
type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	// Redundant marks a worker whose install failed. It never controls
	// requests.
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// partitionName returns "<app>-<version>-<class>".
func (w *Worker) partitionName(class policy.Class) string {
	return w.cfg.app + "-" + w.cfg.version + "-" + string(class)
}

// Install stores every precache URL in the static partition. It is all or
// nothing: if any URL fails nothing is stored, the worker becomes Redundant
// and the error wraps ErrInstallFailed.
func (w *Worker) Install(ctx context.Context) error {
	w.lifecycleMu.Lock()
	if s := w.State(); s != Parsed {
		w.lifecycleMu.Unlock()
		return fmt.Errorf("edge: install from state %s", s)
	}
	w.state.Store(int32(Installing))
	w.lifecycleMu.Unlock()

	err := w.addAll(ctx, w.cfg.precache)
	w.cfg.metrics.Lifecycle("install", err == nil)
	if err != nil {
		w.state.Store(int32(Redundant))
		w.cfg.logger.Error("edge: install failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.lifecycleMu.Lock()
	w.state.Store(int32(Installed))
	skip := w.skipWaiting
	w.lifecycleMu.Unlock()
	w.cfg.logger.Info("edge: installed",
		zap.String("version", w.cfg.version),
		zap.Int("precached", len(w.cfg.precache)),
	)

	if skip {
		return w.Activate(ctx)
	}
	return nil
}

// addAll fetches every URL and, only if all succeed, stores them in the
// static partition.
func (w *Worker) addAll(ctx context.Context, urls []string) error {
	type fetched struct {
		key string
		rec *Record
	}
	var out []fetched
	for _, raw := range urls {
		key, err := w.resolve(raw)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
		if err != nil {
			return err
		}
		resp, err := w.fetch(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		if !successful(resp.StatusCode) {
			resp.Body.Close()
			return fmt.Errorf("fetch %s: unexpected status %d", key, resp.StatusCode)
		}
		rec, err := newRecord(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		out = append(out, fetched{key: key, rec: rec})
	}

	part, err := w.cfg.storage.Open(ctx, w.partitionName(policy.Static))
	if err != nil {
		return err
	}
	// Records already stored under a key are restored on rollback, not
	// deleted.
	type previous struct {
		key string
		rec *Record
	}
	var written []previous
	rollback := func() {
		for _, p := range slices.Backward(written) {
			if p.rec != nil {
				_ = part.Put(ctx, p.key, p.rec)
			} else {
				_, _ = part.Delete(ctx, p.key)
			}
		}
	}
	for _, f := range out {
		prev, _, err := part.Match(ctx, f.key)
		if err != nil {
			rollback()
			return fmt.Errorf("store %s: %w", f.key, err)
		}
		if err := part.Put(ctx, f.key, f.rec); err != nil {
			rollback()
			return fmt.Errorf("store %s: %w", f.key, err)
		}
		written = append(written, previous{key: f.key, rec: prev})
	}
	return nil
}

// Activate purges every partition of this app that belongs to another
// version, then notifies connected clients and takes control of them.
// Requests are not served from partitions while the purge runs.
func (w *Worker) Activate(ctx context.Context) error {
	w.lifecycleMu.Lock()
	switch s := w.State(); s {
	case Installed:
	case Activating, Activated:
		w.lifecycleMu.Unlock()
		return nil
	default:
		w.lifecycleMu.Unlock()
		return fmt.Errorf("edge: activate from state %s", s)
	}
	w.state.Store(int32(Activating))
	w.lifecycleMu.Unlock()

	w.activation.Lock()
	purged, err := w.purge(ctx)
	w.activation.Unlock()

	w.cfg.metrics.Lifecycle("activate", err == nil)
	w.cfg.metrics.Purged(len(purged))
	if err != nil {
		// The worker still activates; stale partitions are retried on the
		// next activation.
		w.cfg.logger.Warn("edge: partition cleanup incomplete", zap.Error(err))
	}
	w.state.Store(int32(Activated))
	w.cfg.logger.Info("edge: activated",
		zap.String("version", w.cfg.version),
		zap.Strings("purged", purged),
	)

	w.broadcast(Message{Type: UpdateAvailable})
	w.claim()
	return nil
}

// SkipWaiting activates an installed worker immediately, or as soon as a
// running install completes.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.lifecycleMu.Lock()
	w.skipWaiting = true
	installed := w.State() == Installed
	w.lifecycleMu.Unlock()
	if installed {
		return w.Activate(ctx)
	}
	return nil
}

// purge deletes the stale partitions. Must be called with w.activation held.
func (w *Worker) purge(ctx context.Context) ([]string, error) {
	names, err := w.cfg.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	var purged []string
	for _, name := range names {
		if !w.isStale(name) {
			continue
		}
		if _, err := w.cfg.storage.Delete(ctx, name); err != nil {
			return purged, fmt.Errorf("delete %s: %w", name, err)
		}
		purged = append(purged, name)
	}
	return purged, nil
}

// isStale reports whether name is a partition of this app that does not
// belong to the running version.
func (w *Worker) isStale(name string) bool {
	rest, ok := strings.CutPrefix(name, w.cfg.app+"-")
	if !ok {
		return false
	}
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 || !slices.Contains(policy.Classes, policy.Class(rest[i+1:])) {
		return false
	}
	return rest[:i] != w.cfg.version
}
