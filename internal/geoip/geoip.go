// Package geoip annotates identities with the country of the address,
// using a MaxMind GeoLite2/GeoIP2 country database.
//
// Lookups are best effort. A missing database or an unknown address never
// fails the caller; it yields one of the placeholder codes below.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Placeholder country codes.
const (
	// NotAvailable is returned when no database is loaded.
	NotAvailable = "N/A"
	// InvalidIP is returned for strings that are not IP addresses.
	InvalidIP = "INVALID_IP"
	// Unknown is returned when the database has no country for the address.
	Unknown = "UNKNOWN"
)

// Locator maps an IP address to an ISO country code.
type Locator interface {
	Country(ip string) string
}

// Database is a Locator backed by a MaxMind database file.
// A nil *Database is valid and reports NotAvailable for every lookup.
type Database struct {
	reader *geoip2.Reader
}

// Open opens the database at path.
func Open(path string) (*Database, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Database{reader: r}, nil
}

// Country implements Locator.
func (d *Database) Country(ipStr string) string {
	if d == nil || d.reader == nil {
		return NotAvailable
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return InvalidIP
	}

	record, err := d.reader.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return Unknown
	}
	return record.Country.IsoCode
}

// Close releases the database. It is safe on a nil *Database.
func (d *Database) Close() error {
	if d == nil || d.reader == nil {
		return nil
	}
	return d.reader.Close()
}

// Nop is a Locator that knows nothing.
type Nop struct{}

// Country implements Locator.
func (Nop) Country(string) string {
	return NotAvailable
}
