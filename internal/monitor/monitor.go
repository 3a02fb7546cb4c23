package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cr-go/internal/cr"
	srcfs "cr-go/internal/fs"
	"cr-go/internal/model"
)

const (
	DefaultDebounce       = 3 * time.Second
	DefaultHealthInterval = 30 * time.Second
)

// Options tunes the monitor scheduler.
type Options struct {
	// Debounce is how long the tree must stay quiet before a trigger fires.
	Debounce time.Duration
	// HealthInterval is how often the watch root is checked for existence.
	HealthInterval time.Duration
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// target describes what one watch observes.
type target struct {
	root    string
	dir     bool
	exclude string // destination directory when it lives under root
	matcher srcfs.Matcher
}

// relevant reports whether an event on name should count as a change.
func (t target) relevant(name string) bool {
	name = filepath.Clean(name)
	if !t.dir {
		return name == t.root
	}
	if t.exclude != "" && (name == t.exclude || strings.HasPrefix(name, t.exclude+string(filepath.Separator))) {
		return false
	}
	if name == t.root {
		return true
	}
	rel, err := filepath.Rel(t.root, name)
	if err != nil {
		return false
	}
	return !t.matcher.Match(filepath.ToSlash(rel), false)
}

// Scheduler keeps one fsnotify watch per armed mission and turns bursts of
// events into a single trigger.
type Scheduler struct {
	dispatcher cr.Dispatcher
	clock      cr.Clock
	logger     cr.Logger
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
}

var _ cr.Scheduler = (*Scheduler)(nil)

func NewScheduler(dispatcher cr.Dispatcher, clock cr.Clock, logger cr.Logger, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		watches:    make(map[string]*watch),
	}
}

// Arm establishes the watch for a monitor mission, replacing any previous
// one. A watch that cannot be set up returns an error wrapping
// cr.ErrWatchLost.
func (s *Scheduler) Arm(_ context.Context, snap cr.Snapshot) error {
	if snap.Procedure.Trigger != model.TriggerMonitor {
		return fmt.Errorf("mission %s is not monitor triggered", snap.Mission.ID)
	}
	id := snap.Mission.ID
	s.Disarm(id)

	t, err := newTarget(snap)
	if err != nil {
		return fmt.Errorf("%w: %w", cr.ErrWatchLost, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: creating watcher: %w", cr.ErrWatchLost, err)
	}
	if t.dir {
		err = s.addRecursive(w, t.root, t.exclude)
	} else {
		err = w.Add(filepath.Dir(t.root))
	}
	if err != nil {
		w.Close()
		return fmt.Errorf("%w: watching %s: %w", cr.ErrWatchLost, t.root, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		w.Close()
		return errors.New("monitor scheduler closed")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	wt := &watch{cancel: cancel, done: make(chan struct{})}
	s.watches[id] = wt

	go func() {
		defer close(wt.done)
		lost := s.run(ctx, id, w, t)
		w.Close()
		if lost == nil {
			return
		}
		s.mu.Lock()
		if s.watches[id] == wt {
			delete(s.watches, id)
		}
		s.mu.Unlock()
		s.logger.Warn("watch torn down", "mission", id, "path", t.root, "err", lost)
		s.dispatcher.WatchLost(ctx, id, lost)
	}()

	s.logger.Debug("monitor armed", "mission", id, "path", t.root)
	return nil
}

// Disarm removes a mission's watch and waits for its goroutine to exit.
func (s *Scheduler) Disarm(missionID string) {
	s.mu.Lock()
	wt, ok := s.watches[missionID]
	if ok {
		delete(s.watches, missionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	wt.cancel()
	<-wt.done
	s.logger.Debug("monitor disarmed", "mission", missionID)
}

// Close removes every watch.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.cancel()
	watches := s.watches
	s.watches = make(map[string]*watch)
	s.mu.Unlock()

	for _, wt := range watches {
		<-wt.done
	}
}

// Watching reports whether a mission currently has a live watch.
func (s *Scheduler) Watching(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[missionID]
	return ok
}

func newTarget(snap cr.Snapshot) (target, error) {
	root, err := filepath.Abs(snap.Mission.SrcPath)
	if err != nil {
		return target{}, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return target{}, err
	}

	t := target{root: root, dir: info.IsDir(), matcher: srcfs.MatchNothing{}}
	if !t.dir {
		return t, nil
	}
	if dst, err := filepath.Abs(snap.Mission.DstPath); err == nil && snap.Mission.DstPath != "" {
		if rel, err := filepath.Rel(root, dst); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			t.exclude = dst
		}
	}
	m, err := srcfs.NewMatcher(snap.Procedure.IgnoreMethod, root, snap.Keywords())
	if err != nil {
		return target{}, err
	}
	t.matcher = m
	return t, nil
}

// addRecursive watches root and every directory below it except exclude.
// Unreadable subdirectories are skipped.
func (s *Scheduler) addRecursive(w *fsnotify.Watcher, root, exclude string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.logger.Warn("skipping unreadable directory", "path", p, "err", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if exclude != "" && p == exclude {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			if p == root {
				return err
			}
			s.logger.Warn("skipping directory", "path", p, "err", err)
		}
		return nil
	})
}

// run is the event loop of one watch. It returns nil when the watch was
// cancelled and the reason otherwise.
func (s *Scheduler) run(ctx context.Context, id string, w *fsnotify.Watcher, t target) error {
	var pending <-chan time.Time
	health := s.clock.After(s.opts.HealthInterval)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !t.relevant(ev.Name) {
				continue
			}
			if filepath.Clean(ev.Name) == t.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				if _, err := os.Stat(t.root); err != nil {
					return fmt.Errorf("source %s removed", t.root)
				}
			}
			if t.dir && ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addRecursive(w, ev.Name, t.exclude); err != nil {
						s.logger.Warn("watching new directory failed", "mission", id, "path", ev.Name, "err", err)
					}
				}
			}
			pending = s.clock.After(s.opts.Debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("watch overflowed, treating as change", "mission", id)
				pending = s.clock.After(s.opts.Debounce)
				continue
			}
			return err

		case <-pending:
			pending = nil
			if stop := s.fire(ctx, id); stop {
				return nil
			}

		case <-health:
			if _, err := os.Stat(t.root); err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			health = s.clock.After(s.opts.HealthInterval)
		}
	}
}

// fire asks for an execution. Busy drops the trigger; the next settled burst
// tries again. It reports whether the watch should stop.
func (s *Scheduler) fire(ctx context.Context, id string) bool {
	err := s.dispatcher.Fire(ctx, id, cr.SourceMonitor)
	switch {
	case err == nil:
		return false
	case errors.Is(err, cr.ErrBusy):
		s.logger.Info("monitor trigger dropped, mission busy", "mission", id)
		return false
	case errors.Is(err, cr.ErrNotFound), errors.Is(err, cr.ErrInvalidTransition):
		s.logger.Debug("monitor stopping", "mission", id, "err", err)
		return true
	default:
		s.logger.Warn("monitor trigger failed", "mission", id, "err", err)
		return false
	}
}
