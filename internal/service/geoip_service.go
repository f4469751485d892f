package service

import (
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
)

// GeoIPService annotates reputation records with a country code when a
// GeoLite2 database is available. Everything is nil-safe: without a database
// lookups return "" and the rest of the pipeline is unaffected.
type GeoIPService struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

func NewGeoIPService(dbPath string) *GeoIPService {
	s := &GeoIPService{}
	if dbPath == "" {
		return s
	}
	if _, err := os.Stat(dbPath); err != nil {
		zlog.Warn().Str("path", dbPath).Msg("GeoIP database not found, country annotation disabled")
		return s
	}
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		zlog.Warn().Err(err).Str("path", dbPath).Msg("failed to open GeoIP database")
		return s
	}
	s.reader = reader
	zlog.Info().Str("path", dbPath).Msg("GeoIP database loaded")
	return s
}

// CountryCode returns the ISO country code for an IP, or "" when unknown.
func (s *GeoIPService) CountryCode(ipStr string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	record, err := s.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func (s *GeoIPService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}
