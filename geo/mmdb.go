package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

type mmdbCityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"registered_country"`
}

// MMDB looks addresses up in a local GeoLite2 style database.
type MMDB struct {
	reader *maxminddb.Reader
}

func OpenMMDB(path string) (*MMDB, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb: %w", err)
	}
	return &MMDB{reader: reader}, nil
}

func (m *MMDB) Name() string { return "mmdb" }

func (m *MMDB) Lookup(_ context.Context, ip string) (Info, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return Info{}, fmt.Errorf("mmdb: invalid ip %q", ip)
	}
	var record mmdbCityRecord
	if err := m.reader.Lookup(addr, &record); err != nil {
		return Info{}, fmt.Errorf("mmdb lookup: %w", err)
	}
	code := strings.TrimSpace(record.Country.ISOCode)
	names := record.Country.Names
	if code == "" {
		code = strings.TrimSpace(record.RegisteredCountry.ISOCode)
		names = record.RegisteredCountry.Names
	}
	if code == "" {
		return Info{}, fmt.Errorf("mmdb: no record for %s", ip)
	}
	country := names["en"]
	if country == "" {
		country = CountryName(code)
	}
	return Info{Country: country, CountryCode: code, City: record.City.Names["en"]}, nil
}

func (m *MMDB) Close() error {
	return m.reader.Close()
}
