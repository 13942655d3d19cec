package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// duration lets TOML carry values like "2s" and "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// policyFile is the on-disk shape of the scoring policy.  Unset fields
// keep their defaults, so a file can override a single weight without
// restating the rest.
type policyFile struct {
	Weights struct {
		Low      *int `toml:"low"`
		Medium   *int `toml:"medium"`
		High     *int `toml:"high"`
		Critical *int `toml:"critical"`
	} `toml:"weights"`

	Thresholds struct {
		Flag           *int  `toml:"flag"`
		Terminate      *int  `toml:"terminate"`
		AutoDisqualify *bool `toml:"auto_disqualify"`
		Disqualify     *int  `toml:"disqualify"`
	} `toml:"thresholds"`

	Decay struct {
		PointsPerMinute *int `toml:"points_per_minute"`
		Floor           *int `toml:"floor"`
	} `toml:"decay"`

	Ingest struct {
		DebounceWindow *duration `toml:"debounce_window"`
	} `toml:"ingest"`

	Heartbeat struct {
		Interval         *duration `toml:"interval"`
		SweepInterval    *duration `toml:"sweep_interval"`
		StallIntervals   *int      `toml:"stall_intervals"`
		AbandonIntervals *int      `toml:"abandon_intervals"`
	} `toml:"heartbeat"`
}

func (f policyFile) apply(p policy.Policy) policy.Policy {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setWeight := func(sev types.Severity, v *int) {
		if v != nil {
			p.Weights[sev] = *v
		}
	}
	setDur := func(dst *time.Duration, v *duration) {
		if v != nil {
			*dst = v.Duration
		}
	}

	// Weights map is shared with the default; copy before mutating.
	weights := make(map[types.Severity]int, len(p.Weights))
	for k, v := range p.Weights {
		weights[k] = v
	}
	p.Weights = weights

	setWeight(types.SeverityLow, f.Weights.Low)
	setWeight(types.SeverityMedium, f.Weights.Medium)
	setWeight(types.SeverityHigh, f.Weights.High)
	setWeight(types.SeverityCritical, f.Weights.Critical)

	setInt(&p.FlagThreshold, f.Thresholds.Flag)
	setInt(&p.TerminateThreshold, f.Thresholds.Terminate)
	setInt(&p.DisqualifyThreshold, f.Thresholds.Disqualify)
	if f.Thresholds.AutoDisqualify != nil {
		p.AutoDisqualify = *f.Thresholds.AutoDisqualify
	}

	setInt(&p.DecayPerMinute, f.Decay.PointsPerMinute)
	setInt(&p.DecayFloor, f.Decay.Floor)

	setDur(&p.DebounceWindow, f.Ingest.DebounceWindow)
	setDur(&p.HeartbeatInterval, f.Heartbeat.Interval)
	setDur(&p.SweepInterval, f.Heartbeat.SweepInterval)
	setInt(&p.StallIntervals, f.Heartbeat.StallIntervals)
	setInt(&p.AbandonIntervals, f.Heartbeat.AbandonIntervals)

	return p
}

func validatePolicy(p policy.Policy) error {
	for sev, w := range p.Weights {
		if w < 0 || w > 100 {
			return fmt.Errorf("weight %s=%d outside [0,100]", sev, w)
		}
	}
	if p.FlagThreshold <= 0 || p.FlagThreshold > 100 {
		return fmt.Errorf("flag threshold %d outside (0,100]", p.FlagThreshold)
	}
	if p.TerminateThreshold < p.FlagThreshold || p.TerminateThreshold > 100 {
		return fmt.Errorf("terminate threshold %d must be in [flag=%d,100]", p.TerminateThreshold, p.FlagThreshold)
	}
	if p.DisqualifyThreshold < p.TerminateThreshold || p.DisqualifyThreshold > 100 {
		return fmt.Errorf("disqualify threshold %d must be in [terminate=%d,100]", p.DisqualifyThreshold, p.TerminateThreshold)
	}
	if p.DecayPerMinute < 0 {
		return fmt.Errorf("decay points_per_minute %d must be >= 0", p.DecayPerMinute)
	}
	if p.DecayFloor < 0 || p.DecayFloor > 100 {
		return fmt.Errorf("decay floor %d outside [0,100]", p.DecayFloor)
	}
	if p.DebounceWindow < 0 {
		return fmt.Errorf("debounce window %s must be >= 0", p.DebounceWindow)
	}
	if p.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval %s must be > 0", p.HeartbeatInterval)
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat sweep_interval %s must be > 0", p.SweepInterval)
	}
	if p.StallIntervals < 0 {
		return fmt.Errorf("heartbeat stall_intervals %d must be >= 0", p.StallIntervals)
	}
	if p.AbandonIntervals < 0 {
		return fmt.Errorf("heartbeat abandon_intervals %d must be >= 0", p.AbandonIntervals)
	}
	return nil
}

// PolicyLoader loads the scoring policy from a TOML file and, when
// watching, hot-reloads it on change.  It satisfies policy.Source.
type PolicyLoader struct {
	path     string
	logger   *log.Logger
	mu       sync.RWMutex
	current  policy.Policy
	onChange []func(policy.Policy)
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
}

// NewPolicyLoader returns a loader seeded with the default policy.  An
// empty path means defaults-only: Load and Watch become no-ops.
func NewPolicyLoader(path string, logger *log.Logger) *PolicyLoader {
	return &PolicyLoader{
		path:    path,
		logger:  logger,
		current: policy.Default(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Current returns the live policy.
func (l *PolicyLoader) Current() policy.Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after each successful reload.
func (l *PolicyLoader) OnChange(fn func(policy.Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Load reads and validates the policy file, replacing the live policy.
func (l *PolicyLoader) Load() error {
	if l.path == "" {
		return nil
	}

	var f policyFile
	if _, err := toml.DecodeFile(l.path, &f); err != nil {
		return fmt.Errorf("decode policy %s: %w", l.path, err)
	}

	p := f.apply(policy.Default())
	if err := validatePolicy(p); err != nil {
		return fmt.Errorf("policy %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = p
	callbacks := append([]func(policy.Policy){}, l.onChange...)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(p)
	}
	return nil
}

// Watch starts watching the policy file's directory for changes.  A
// reload that fails validation is logged and the previous policy stays
// live, so a bad edit never takes the monitor down.
func (l *PolicyLoader) Watch() error {
	if l.path == "" {
		close(l.done)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in
	// place, which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop()
	return nil
}

// Stop ends the watch loop and waits for it to finish.
func (l *PolicyLoader) Stop() {
	if l.watcher == nil {
		return
	}
	close(l.stop)
	<-l.done
}

func (l *PolicyLoader) watchLoop() {
	defer close(l.done)
	defer l.watcher.Close()

	// Debounce: editors fire several events per save.
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	target, _ := filepath.Abs(l.path)

	for {
		var fire <-chan time.Time
		if debounce != nil {
			fire = debounce.C
		}

		select {
		case <-l.stop:
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			evPath, _ := filepath.Abs(ev.Name)
			if evPath != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Printf("policy watcher: %v", err)

		case <-fire:
			debounce = nil
			if _, statErr := os.Stat(l.path); statErr != nil {
				l.logger.Printf("policy file %s gone, keeping previous policy", l.path)
				continue
			}
			if err := l.Load(); err != nil {
				l.logger.Printf("policy reload rejected: %v", err)
				continue
			}
			l.logger.Printf("policy reloaded from %s", l.path)
		}
	}
}
