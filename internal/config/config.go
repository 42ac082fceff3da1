// Package config loads the core's own tunables from TOML and watches the
// file for changes, the way the model daemon's configuration.toml is parsed
// at startup. It does not cover process bootstrap, CLI flags, or the sample
// HTTP control surface — those stay out of scope.
package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config holds every tunable named across the wire codec, transport,
// request cache, mesh and stage runtime sections of the specification.
type Config struct {
	// NodeId is this process's mesh address.
	NodeId string

	// MaxFrameBytes bounds a decoded client frame; default 16 MiB.
	MaxFrameBytes uint32
	// MaxDecompressionRatio bounds OriginalSize/compressed size; default 100.
	MaxDecompressionRatio uint32

	// HeartbeatInterval is how often a session is expected to speak.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes a session idle longer than this.
	HeartbeatTimeout time.Duration

	// RequestTimeout is the default deadline for RequestAsync-family calls.
	RequestTimeout time.Duration

	// MeshReconnectMin/Max bound the mesh's reconnect backoff.
	MeshReconnectMin time.Duration
	MeshReconnectMax time.Duration

	// DefaultStageType is the stage type created implicitly for the
	// configured authenticate/create messages.
	DefaultStageType string

	// AuthenticateMsgId is the reserved message id that binds a session
	// to a stage.
	AuthenticateMsgId string
	// CreateStageMsgId is the message id that triggers implicit stage
	// creation in the Play Dispatcher.
	CreateStageMsgId string

	// SessionSendQueueDepth bounds a session's outbound frame queue.
	SessionSendQueueDepth int

	// ServerInfoTTL is the liveness TTL for Server Info Center entries.
	ServerInfoTTL time.Duration
}

// Default returns the configuration the specification names as defaults.
func Default() Config {
	return Config{
		MaxFrameBytes:          16 * 1024 * 1024,
		MaxDecompressionRatio:  100,
		HeartbeatInterval:      10 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		RequestTimeout:         30 * time.Second,
		MeshReconnectMin:       500 * time.Millisecond,
		MeshReconnectMax:       30 * time.Second,
		DefaultStageType:       "default",
		AuthenticateMsgId:      "Authenticate",
		CreateStageMsgId:       "CreateStage",
		SessionSendQueueDepth:  256,
		ServerInfoTTL:          30 * time.Second,
	}
}

// Watcher holds a live, hot-reloadable Config.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	stopSyn chan struct{}
	stopAck chan struct{}
}

// Load parses path once and starts watching it for changes. An empty path
// yields the built-in defaults with no watch; a path that cannot be read
// or parsed returns an error.
func Load(path string) (*Watcher, error) {
	w := &Watcher{
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
		path:    path,
	}

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}
	w.current.Store(&cfg)

	if path == "" {
		close(w.stopAck)
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config %q: %w", path, err)
	}
	w.watcher = fw

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.stopAck)
	defer w.watcher.Close()

	for {
		select {
		case <-w.stopSyn:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			var cfg Config
			if _, err := toml.DecodeFile(w.path, &cfg); err != nil {
				log.WithError(err).WithField("path", w.path).Warn(
					"Config reload failed, keeping last-good configuration")
				continue
			}
			w.current.Store(&cfg)
			log.WithField("path", w.path).Info("Reloaded configuration")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Config watcher error")
		}
	}
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	close(w.stopSyn)
	<-w.stopAck
	return nil
}
