// Package geoip resolves client IP addresses to ISO country codes for
// policy region conditions.
package geoip

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Service provides country lookups with hot reloading. The mmdb file is
// provisioned and refreshed out of band; the service re-opens it on a cron
// schedule whenever the file's mtime moves.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader

	dbPath   string
	loadedAt time.Time
	cron     *cron.Cron
}

// NewService creates a GeoIP service for the database at dbPath.
// reloadSchedule is a standard cron expression; empty disables reloads.
func NewService(dbPath, reloadSchedule string) (*Service, error) {
	s := &Service{dbPath: dbPath, cron: cron.New()}

	if reloadSchedule != "" {
		if _, err := s.cron.AddFunc(reloadSchedule, func() {
			if err := s.maybeReload(); err != nil {
				log.Printf("[geoip] scheduled reload failed: %v", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("geoip: invalid cron expression %q: %w", reloadSchedule, err)
		}
	}
	return s, nil
}

// Start opens the initial database if present and starts the reload
// schedule. A missing database is not fatal: lookups return "" until the
// file appears.
func (s *Service) Start() error {
	if _, err := os.Stat(s.dbPath); err == nil {
		if err := s.reload(); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("geoip: stat %s: %w", s.dbPath, err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the reload schedule and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup returns the uppercase ISO 3166-1 country code for ip, or "" when
// the database is absent or the IP is unknown.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || !ip.IsValid() {
		return ""
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := s.reader.Lookup(ip.AsSlice(), &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// maybeReload re-opens the database when its mtime is newer than the
// currently loaded copy.
func (s *Service) maybeReload() error {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("geoip: stat %s: %w", s.dbPath, err)
	}
	s.mu.RLock()
	loadedAt := s.loadedAt
	s.mu.RUnlock()
	if !info.ModTime().After(loadedAt) {
		return nil
	}
	return s.reload()
}

// reload swaps in a fresh reader. RLock holders finish before the old
// reader is closed.
func (s *Service) reload() error {
	newReader, err := maxminddb.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.dbPath, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.loadedAt = time.Now()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}
