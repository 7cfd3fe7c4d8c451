package stats

import (
	"math"
	"strings"
)

// Submission is one community-contributed stats update. Nil fields were
// absent from the submission and leave the existing value untouched. Full
// carries a complete upstream-shaped document; when set it replaces the
// projection wholesale instead of overlaying individual fields.
type Submission struct {
	Displayname        *string  `json:"displayname,omitempty"`
	BedwarsExperience  *float64 `json:"bedwars_experience,omitempty"`
	BedwarsFinalKills  *int64   `json:"final_kills_bedwars,omitempty"`
	BedwarsFinalDeaths *int64   `json:"final_deaths_bedwars,omitempty"`

	Full *PlayerResponse `json:"-"`
}

// ApplyTo merges the submission over an existing projection, which may be
// nil for a first-time contribution. Numeric fields follow the same coercion
// rules as ExtractMinimal: non-finite and negative values are treated as
// absent and leave the prior value in place.
func (s *Submission) ApplyTo(existing *Minimal) *Minimal {
	if s.Full != nil {
		merged := ExtractMinimal(s.Full)
		if name, ok := s.name(); ok {
			merged.Displayname = name
		} else if merged.Displayname == "" && existing != nil {
			merged.Displayname = existing.Displayname
		}
		return merged
	}

	merged := &Minimal{}
	if existing != nil {
		*merged = *existing
	}

	if name, ok := s.name(); ok {
		merged.Displayname = name
	}
	if s.BedwarsExperience != nil {
		if v := *s.BedwarsExperience; !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 {
			merged.BedwarsExperience = &v
		}
	}
	if s.BedwarsFinalKills != nil && *s.BedwarsFinalKills >= 0 {
		merged.BedwarsFinalKills = *s.BedwarsFinalKills
	}
	if s.BedwarsFinalDeaths != nil && *s.BedwarsFinalDeaths >= 0 {
		merged.BedwarsFinalDeaths = *s.BedwarsFinalDeaths
	}
	return merged
}

func (s *Submission) name() (string, bool) {
	if s.Displayname == nil {
		return "", false
	}
	name := strings.TrimSpace(*s.Displayname)
	return name, name != ""
}
