// Package seed populates reference and demo data: the emission factor
// catalog (offline seeding; the engine itself never fetches factors) and
// sample organizations, facilities, and activity events.
package seed

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/nutrino/carbonctl/internal/model"
)

// CatalogEntry is one factor row in a YAML catalog file.
type CatalogEntry struct {
	Category    string    `yaml:"category"`
	FactorValue float64   `yaml:"factor_value"`
	Geography   string    `yaml:"geography"`
	Version     int       `yaml:"version"`
	ValidFrom   time.Time `yaml:"valid_from"`
	ValidTo     time.Time `yaml:"valid_to"`
}

// Catalog is the YAML file layout for factor catalogs.
type Catalog struct {
	Factors []CatalogEntry `yaml:"factors"`
}

// LoadCatalog reads a YAML factor catalog from disk.
func LoadCatalog(path string) ([]model.EmissionFactor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "seed: read catalog")
	}

	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, eris.Wrap(err, "seed: parse catalog")
	}
	if len(cat.Factors) == 0 {
		return nil, eris.New("seed: catalog has no factors")
	}

	factors := make([]model.EmissionFactor, 0, len(cat.Factors))
	for i, e := range cat.Factors {
		if e.Category == "" || e.FactorValue <= 0 || e.ValidFrom.IsZero() || e.ValidTo.IsZero() {
			return nil, eris.Errorf("seed: catalog entry %d is incomplete", i)
		}
		geography := e.Geography
		if geography == "" {
			geography = "GLOBAL"
		}
		version := e.Version
		if version == 0 {
			version = 1
		}
		factors = append(factors, model.EmissionFactor{
			Category:    e.Category,
			FactorValue: e.FactorValue,
			Geography:   geography,
			Version:     version,
			ValidFrom:   e.ValidFrom.UTC(),
			ValidTo:     e.ValidTo.UTC(),
		})
	}
	return factors, nil
}

// farFuture marks a factor as "current": a valid_to far enough out that
// it covers any realistic event timestamp.
var farFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// DefaultFactors is the built-in catalog covering the sample activity
// categories. Two version lineages per category so historical events
// recompute with the factor in force at the time.
func DefaultFactors() []model.EmissionFactor {
	start2020 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end2022 := time.Date(2022, 12, 31, 23, 59, 59, 0, time.UTC)
	start2023 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []struct {
		category string
		v1, v2   float64
	}{
		{"electricity.kwh", 0.85, 0.82},
		{"diesel.litre", 2.70, 2.68},
		{"petrol.litre", 2.34, 2.31},
		{"air.travel.km.short", 0.26, 0.255},
		{"spend.generic.inr", 0.0009, 0.0008},
	}

	var factors []model.EmissionFactor
	for _, e := range entries {
		factors = append(factors,
			model.EmissionFactor{
				Category: e.category, FactorValue: e.v1, Geography: "GLOBAL",
				Version: 1, ValidFrom: start2020, ValidTo: end2022,
			},
			model.EmissionFactor{
				Category: e.category, FactorValue: e.v2, Geography: "GLOBAL",
				Version: 2, ValidFrom: start2023, ValidTo: farFuture,
			},
		)
	}
	return factors
}
