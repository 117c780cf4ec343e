package detection

import (
	"time"

	"fantasyguard/internal/config"
)

type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	Location  string    `json:"location,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
}

// Profile is the behavioral baseline of one principal. Every Known* list
// keeps the most recent distinct values, oldest first.
type Profile struct {
	PrincipalID     string         `json:"principal_id"`
	KnownHours      []int          `json:"known_hours"`
	KnownAddresses  []string       `json:"known_addresses"`
	KnownUserAgents []string       `json:"known_user_agents"`
	KnownLocations  []string       `json:"known_locations"`
	RecentActivity  []Activity     `json:"recent_activity"`
	RiskFactors     map[string]int `json:"risk_factors"`
	Observations    int            `json:"observations"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
}

func newProfile(principalID string, now time.Time) Profile {
	return Profile{
		PrincipalID: principalID,
		RiskFactors: make(map[string]int),
		FirstSeen:   now,
	}
}

func (p *Profile) observe(a Activity, limits config.ProfileLimits) {
	p.KnownHours = rememberHour(p.KnownHours, a.Timestamp.Hour(), limits.Hours)
	p.KnownAddresses = remember(p.KnownAddresses, a.IP, limits.Addresses)
	p.KnownUserAgents = remember(p.KnownUserAgents, a.UserAgent, limits.UserAgents)
	p.KnownLocations = remember(p.KnownLocations, a.Location, limits.Locations)
	p.RecentActivity = append(p.RecentActivity, a)
	if over := len(p.RecentActivity) - limits.Activity; limits.Activity > 0 && over > 0 {
		p.RecentActivity = append([]Activity(nil), p.RecentActivity[over:]...)
	}
	p.Observations++
	p.LastSeen = a.Timestamp
}

func (p *Profile) hourKnown(hour, tolerance int) bool {
	for _, h := range p.KnownHours {
		if hourDistance(h, hour) <= tolerance {
			return true
		}
	}
	return false
}

// pruneActivity drops activity older than cutoff and reports how many went.
func (p *Profile) pruneActivity(cutoff time.Time) int {
	keep := 0
	for keep < len(p.RecentActivity) && p.RecentActivity[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return 0
	}
	p.RecentActivity = append([]Activity(nil), p.RecentActivity[keep:]...)
	return keep
}

func (p Profile) clone() Profile {
	out := p
	out.KnownHours = append([]int(nil), p.KnownHours...)
	out.KnownAddresses = append([]string(nil), p.KnownAddresses...)
	out.KnownUserAgents = append([]string(nil), p.KnownUserAgents...)
	out.KnownLocations = append([]string(nil), p.KnownLocations...)
	out.RecentActivity = append([]Activity(nil), p.RecentActivity...)
	out.RiskFactors = make(map[string]int, len(p.RiskFactors))
	for k, v := range p.RiskFactors {
		out.RiskFactors[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// remember moves v to the most-recent end of list, evicting the oldest
// value once limit is exceeded. Empty values are ignored.
func remember(list []string, v string, limit int) []string {
	if v == "" {
		return list
	}
	for i, item := range list {
		if item == v {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, v)
	if limit > 0 && len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func rememberHour(list []int, h int, limit int) []int {
	for i, item := range list {
		if item == h {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, h)
	if limit > 0 && len(list) > limit {
		list = append([]int(nil), list[len(list)-limit:]...)
	}
	return list
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if 24-d < d {
		return 24 - d
	}
	return d
}
