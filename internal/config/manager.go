package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "notifycore/pkg/logx"
)

// ConfigManager owns the committed config and fans reloads out to
// subscribers. The zero logger is silent.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // of the committed config; skips no-op editor writes

	subsMu sync.Mutex // held while sending so Unsubscribe never closes mid-send
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Reload runs before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file, expands ${ENV} references (process env first, then
// the sibling .env) and decodes it strictly. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	dotenv, err := readDotEnv(m.path)
	if err != nil {
		return nil, err
	}
	raw = expandEnv(raw, dotenv)
	if configFormat(m.path) == "yaml" {
		if raw, err = yamlToJSON(raw); err != nil {
			return nil, err
		}
	}
	return decodeStrict(raw)
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(b []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i], m.subs[last] = m.subs[last], nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish hands cfg to every subscriber. A full buffer loses its oldest
// config; subscribers only care about the latest.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if offerLatest(ch, cfg) {
			continue
		}
		m.log.Debug("config update dropped (subscriber slow)",
			logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
	}
}

func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Reload parses the file and, when the content changed and the validator
// accepts it, commits and publishes it. It reports whether subscribers were
// notified. Sections that a running notifier cannot pick up are logged as
// restart-required.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, fmt.Errorf("parse: %w", err)
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	prev, unchanged := m.cfg, h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("rejected: %w", err)
		}
	}

	sections, attrs, restart := SummarizeConfigChange(prev, cfg)
	m.Commit(cfg)
	m.publish(cfg)

	fields := append([]logx.Field{
		logx.String("path", m.path),
		logx.String("hash", fmt.Sprintf("%x", h)),
		logx.String("sections", strings.Join(sections, ",")),
	}, attrs...)
	m.log.Info("config published", fields...)
	if len(restart) > 0 {
		m.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	return true, nil
}

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Watch reloads the config whenever the file changes until ctx ends. The
// directory is watched so editors that replace the file are seen; a broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	reload := newDebouncer(watchDebounce, func() {
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		}
	})
	defer reload.stop()

	bo := newJitterBackoff(watchBackoffBase, watchBackoffMax)
	for ctx.Err() == nil {
		started, err := m.watchOnce(ctx, dir, file, reload.trigger)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			bo.reset()
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.String("file", file),
			logx.Any("err", err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. started
// reports whether the watcher got as far as watching dir.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, changed func()) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("add %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			msg := strings.ToLower(werr.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// Events may be lost; one reload catches up.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				changed()
			case strings.Contains(msg, "closed"):
				return true, werr
			default:
				m.log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
			}
		}
	}
}

// debouncer runs fn once per burst of triggers, after d of quiet.
type debouncer struct {
	d  time.Duration
	fn func()

	mu sync.Mutex
	t  *time.Timer
}

func newDebouncer(d time.Duration, fn func()) *debouncer { return &debouncer{d: d, fn: fn} }

func (b *debouncer) trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.t != nil {
		b.t.Stop()
	}
	b.t = time.AfterFunc(b.d, b.fn)
}

func (b *debouncer) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.t != nil {
		b.t.Stop()
	}
}

type jitterBackoff struct {
	base, ceiling, cur time.Duration
	rng                *rand.Rand
}

func newJitterBackoff(base, ceiling time.Duration) *jitterBackoff {
	return &jitterBackoff{base: base, ceiling: ceiling, cur: base, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// next returns cur plus up to 50% jitter, then doubles cur up to ceiling.
func (b *jitterBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.ceiling)
	return wait
}

func (b *jitterBackoff) reset() { b.cur = b.base }
