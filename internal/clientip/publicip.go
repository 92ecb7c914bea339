package clientip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PublicIPs holds the gateway's own public addresses. Either may be invalid.
type PublicIPs struct {
	V4 netip.Addr
	V6 netip.Addr
}

// ParsePublicIPs reads lines of the form "ipv4=…", "ipv6=…" or a bare address.
// Later lines win.
func ParsePublicIPs(raw string) PublicIPs {
	var ips PublicIPs
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "ipv4="):
			line = strings.TrimPrefix(line, "ipv4=")
		case strings.HasPrefix(line, "ipv6="):
			line = strings.TrimPrefix(line, "ipv6=")
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			continue
		}
		if addr.Is4() {
			ips.V4 = addr
		} else {
			ips.V6 = addr
		}
	}
	return ips
}

// PublicIPSource caches the contents of the public IP file for a TTL.
// Every read attempt starts a new TTL window; a failed or empty read keeps
// the last good value.
type PublicIPSource struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	cached   PublicIPs
	loadedAt time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublicIPSource creates a source for path. An empty path yields no addresses.
func NewPublicIPSource(path string, ttl time.Duration, logger *slog.Logger) *PublicIPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicIPSource{
		path:   path,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Current returns the cached addresses, re-reading the file once the TTL has passed
func (s *PublicIPSource) Current() PublicIPs {
	if s.path == "" {
		return PublicIPs{}
	}

	now := s.now()
	s.mu.RLock()
	if !s.loadedAt.IsZero() && now.Sub(s.loadedAt) < s.ttl {
		ips := s.cached
		s.mu.RUnlock()
		return ips
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loadedAt.IsZero() && now.Sub(s.loadedAt) < s.ttl {
		return s.cached
	}

	s.loadedAt = now
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Debug("public IP file unreadable", "path", s.path, "error", err)
		return s.cached
	}
	if ips := ParsePublicIPs(string(data)); ips.V4.IsValid() || ips.V6.IsValid() {
		s.cached = ips
	}
	return s.cached
}

// Invalidate forces the next Current call to re-read the file
func (s *PublicIPSource) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// Watch invalidates the cache whenever the file is written or replaced.
// The parent directory is watched so atomic renames are seen.
func (s *PublicIPSource) Watch() error {
	if s.path == "" || s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.watchLoop()

	s.logger.Info("watching public IP file", "path", s.path)
	return nil
}

// Close stops the watcher, if running
func (s *PublicIPSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopCh)
	err := s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
	return err
}

func (s *PublicIPSource) watchLoop() {
	defer s.wg.Done()
	name := filepath.Clean(s.path)

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				s.logger.Debug("public IP file changed", "op", event.Op.String())
				s.Invalidate()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("public IP watcher error", "error", err)

		case <-s.stopCh:
			return
		}
	}
}
