package modality

import (
	"fmt"
	"strings"

	"sitesync/internal/core"
)

// Mapper turns a site-relative path into its path below the version
// directory of the central store.
type Mapper struct {
	site    *Template
	central *Template
}

// DefaultPatterns returns the site and central templates used when the
// configuration names none.
func DefaultPatterns(modality string, omopPerPatient bool) (site, central string) {
	switch strings.ToLower(modality) {
	case "waveforms", "images":
		p := "{patient_id}/" + Canonical(modality) + "/{filepath}"
		return p, p
	case "omop":
		if omopPerPatient {
			return "OMOP/{patient_id}/{filepath}", "{patient_id}/OMOP/{filepath}"
		}
		return "OMOP/{filepath}", "OMOP/{filepath}"
	}
	return "{filepath}", "{filepath}"
}

// NewMapper builds the mapper of modality. Empty patterns take the
// defaults; per-patient OMOP only changes defaults.
func NewMapper(modality, sitePattern, centralPattern string, omopPerPatient bool) (*Mapper, error) {
	defSite, defCentral := DefaultPatterns(modality, omopPerPatient)
	if sitePattern == "" {
		sitePattern = defSite
	}
	if centralPattern == "" {
		centralPattern = defCentral
	}

	site, err := ParseTemplate(sitePattern)
	if err != nil {
		return nil, err
	}
	central, err := ParseTemplate(centralPattern)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool)
	for _, f := range site.Fields() {
		have[f] = true
	}
	for _, f := range central.Fields() {
		if !have[f] {
			return nil, fmt.Errorf("%w: central pattern %q uses {%s}, which site pattern %q does not capture", core.ErrConfig, centralPattern, f, sitePattern)
		}
	}
	return &Mapper{site: site, central: central}, nil
}

// CentralPath maps rel, a '/'-separated path relative to the modality root.
func (m *Mapper) CentralPath(rel string) (string, error) {
	fields, err := m.site.Parse(rel)
	if err != nil {
		return "", err
	}
	return m.central.Format(fields)
}
