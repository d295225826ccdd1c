package server

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is the result of a geolocation lookup. Empty fields mean the
// database had no value at that granularity.
type Location struct {
	Country string
	Region  string
	City    string
	DMA     *int
}

// Geolocator resolves a client IP to a Location. Implementations must be
// safe for concurrent use.
type Geolocator interface {
	Locate(ip net.IP) (Location, error)
	Close() error
}

// noopGeolocator is used when no database is configured: every lookup
// resolves to the empty Location.
type noopGeolocator struct{}

func (noopGeolocator) Locate(net.IP) (Location, error) { return Location{}, nil }
func (noopGeolocator) Close() error                    { return nil }

// NewNoopGeolocator returns a Geolocator that never resolves anything.
func NewNoopGeolocator() Geolocator { return noopGeolocator{} }

// mmdbGeolocator reads a MaxMind City database.
type mmdbGeolocator struct {
	reader *maxminddb.Reader
}

// NewMMDBGeolocator opens the City database at path.
func NewMMDBGeolocator(path string) (Geolocator, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &mmdbGeolocator{reader: reader}, nil
}

// cityRecord maps the subset of the City schema the request context uses.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		MetroCode uint `maxminddb:"metro_code"`
	} `maxminddb:"location"`
}

func (g *mmdbGeolocator) Locate(ip net.IP) (Location, error) {
	var rec cityRecord
	if err := g.reader.Lookup(ip, &rec); err != nil {
		return Location{}, fmt.Errorf("geo: lookup: %w", err)
	}

	loc := Location{
		Country: rec.Country.ISOCode,
		City:    rec.City.Names["en"],
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].ISOCode
	}
	if rec.Location.MetroCode != 0 {
		dma := int(rec.Location.MetroCode)
		loc.DMA = &dma
	}
	return loc, nil
}

func (g *mmdbGeolocator) Close() error {
	return g.reader.Close()
}
