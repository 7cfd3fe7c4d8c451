// Package stats defines the minimal player-stats projection stored in the
// cache tiers, and the one total function that derives it from the raw
// upstream player document.
package stats

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// PlayerResponse is the narrow parsed shape of the upstream player document.
// The upstream payload nests loosely-typed per-game stat blocks; everything
// the proxy does not project is deliberately dropped here.
type PlayerResponse struct {
	Success bool    `json:"success"`
	Cause   string  `json:"cause,omitempty"`
	Player  *Player `json:"player"`
}

// Player is the subset of the upstream player object the projection reads.
type Player struct {
	UUID        string                    `json:"uuid"`
	Displayname string                    `json:"displayname"`
	Stats       map[string]map[string]any `json:"stats"`
}

// Minimal is the fixed projection of upstream data that the cache tiers
// store. It is intentionally small so storage and comparison stay cheap.
type Minimal struct {
	Displayname string `json:"displayname,omitempty"`
	Nicked      bool   `json:"nicked,omitempty"`

	BedwarsExperience  *float64 `json:"bedwars_experience"`
	BedwarsFinalKills  int64    `json:"bedwars_final_kills"`
	BedwarsFinalDeaths int64    `json:"bedwars_final_deaths"`

	DuelsWins   int64 `json:"duels_wins"`
	DuelsLosses int64 `json:"duels_losses"`
	DuelsKills  int64 `json:"duels_kills"`
	DuelsDeaths int64 `json:"duels_deaths"`

	SkywarsExperience *float64 `json:"skywars_experience"`
	SkywarsWins       int64    `json:"skywars_wins"`
	SkywarsLosses     int64    `json:"skywars_losses"`
	SkywarsKills      int64    `json:"skywars_kills"`
	SkywarsDeaths     int64    `json:"skywars_deaths"`
}

// NewNicked returns the canned projection for a confirmed-unresolvable
// ("nicked") player. It is served without consulting the stats cache.
func NewNicked() *Minimal {
	return &Minimal{
		Displayname: "(nicked)",
		Nicked:      true,
	}
}

// coerceNumber applies the projection's numeric coercion rules in one place:
// numbers and numeric strings are accepted, non-finite and negative values
// are treated as absent.
func coerceNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}

// totalOf reads a per-game total. The top-level field wins when present;
// otherwise per-mode fields sharing the prefix (e.g. wins_solo, wins_mode_1)
// are summed.
func totalOf(block map[string]any, field string) int64 {
	if v, ok := block[field]; ok {
		if n, ok := coerceNumber(v); ok {
			return int64(n)
		}
	}

	prefix := field + "_"
	var sum int64
	for key, v := range block {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if n, ok := coerceNumber(v); ok {
			sum += int64(n)
		}
	}
	return sum
}

// experienceOf reads an experience value that may live under either of two
// historical field names. Returns nil when absent or unparseable.
func experienceOf(block map[string]any, names ...string) *float64 {
	for _, name := range names {
		if v, ok := block[name]; ok {
			if n, ok := coerceNumber(v); ok {
				return &n
			}
		}
	}
	return nil
}

// ExtractMinimal derives the cached projection from a raw upstream document.
// It is total: any input, including an absent player or empty stat blocks,
// produces a valid zeroed projection.
func ExtractMinimal(resp *PlayerResponse) *Minimal {
	m := &Minimal{}
	if resp == nil || resp.Player == nil {
		return m
	}

	m.Displayname = strings.TrimSpace(resp.Player.Displayname)

	bedwars := resp.Player.Stats["Bedwars"]
	if bedwars != nil {
		m.BedwarsExperience = experienceOf(bedwars, "bedwars_experience", "Experience")
		m.BedwarsFinalKills = totalOf(bedwars, "final_kills_bedwars")
		m.BedwarsFinalDeaths = totalOf(bedwars, "final_deaths_bedwars")
	}

	duels := resp.Player.Stats["Duels"]
	if duels != nil {
		m.DuelsWins = totalOf(duels, "wins")
		m.DuelsLosses = totalOf(duels, "losses")
		m.DuelsKills = totalOf(duels, "kills")
		m.DuelsDeaths = totalOf(duels, "deaths")
	}

	skywars := resp.Player.Stats["SkyWars"]
	if skywars != nil {
		m.SkywarsExperience = experienceOf(skywars, "skywars_experience", "experience")
		m.SkywarsWins = totalOf(skywars, "wins")
		m.SkywarsLosses = totalOf(skywars, "losses")
		m.SkywarsKills = totalOf(skywars, "kills")
		m.SkywarsDeaths = totalOf(skywars, "deaths")
	}

	return m
}

// Equal reports whether two projections carry identical values.
func (m *Minimal) Equal(other *Minimal) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := json.Marshal(m)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
