package modality

import (
	"regexp"
	"strings"
)

// Canonical modality names. Matching is case-insensitive everywhere.
const (
	Waveforms = "Waveforms"
	Images    = "Images"
	OMOP      = "OMOP"
)

// Canonical returns the canonical spelling of the well-known modalities and
// name unchanged otherwise.
func Canonical(name string) string {
	for _, m := range []string{Waveforms, Images, OMOP} {
		if strings.EqualFold(name, m) {
			return m
		}
	}
	return name
}

// GlobPattern returns the source glob of modality, relative to its root.
func GlobPattern(modality string) string {
	switch strings.ToLower(modality) {
	case "waveforms":
		return "*/waveforms/**/*"
	case "images":
		return "*/images/**/*"
	case "omop":
		return "omop/**/*"
	}
	return "*/" + strings.ToLower(modality) + "/**/*"
}

var personRE = regexp.MustCompile(`(?i)^([^/:]+)/(Waveforms|Images)/`)

// PersonID extracts the patient id of a patient-partitioned path.
func PersonID(rel string) (string, bool) {
	m := personRE.FindStringSubmatch(rel)
	if m == nil {
		return "", false
	}
	return m[1], true
}
