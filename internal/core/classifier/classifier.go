package classifier

import (
	"bytes"
	"strings"
	"time"
)

// Rule describes one recognized application: the well-known ports it plays
// on, an optional payload signature (a fixed-offset byte prefix over the
// first bytes of a datagram), an advisory per-application timeout, and the
// executable names game detection correlates against.
//
// Classification is informational only. It must never delay, drop, or
// rewrite traffic, and the advisory timeout is enforced nowhere; both exist
// for logging and for a future policy layer.
type Rule struct {
	App         string
	Ports       []int
	Signature   []byte // matched at SigOffset; nil disables payload matching
	SigOffset   int
	Timeout     time.Duration // advisory
	Executables []string      // matched by gamedetect, lowercase substrings
}

// rules is scanned in order and the first match wins, so entries earlier in
// the table shadow later ones on shared ports (Counter-Strike and Dota 2
// both play on the Source engine ports).
var rules = []Rule{
	{
		App:       "dont_starve_together",
		Ports:     []int{10999, 11000, 12346, 12347},
		Signature: []byte("KU_"), // Klei user id prefix
		Timeout:   60 * time.Second,
		Executables: []string{
			"dontstarve_steam",
			"dontstarve_dedicated_server_nullrenderer",
			"don't starve together",
		},
	},
	{
		App:         "counter_strike",
		Ports:       []int{27015, 27005, 27020},
		Signature:   []byte{0xff, 0xff, 0xff, 0xff}, // Source engine connectionless header
		Timeout:     30 * time.Second,
		Executables: []string{"cs2", "csgo", "counter-strike"},
	},
	{
		App:         "dota2",
		Ports:       []int{27015, 27005, 27020},
		Timeout:     45 * time.Second,
		Executables: []string{"dota2", "dota 2"},
	},
	{
		App:         "league_of_legends",
		Ports:       []int{2099, 5223, 5222, 8393, 8394},
		Timeout:     45 * time.Second,
		Executables: []string{"league of legends", "leagueclient", "riotclientservices"},
	},
	{
		App:         "valorant",
		Ports:       []int{7777, 7778, 7779, 7780},
		Timeout:     30 * time.Second,
		Executables: []string{"valorant", "riotclientservices"},
	},
	{
		App:         "minecraft",
		Ports:       []int{25565, 25566, 25567},
		Timeout:     90 * time.Second,
		Executables: []string{"minecraft", "javaw"},
	},
	{
		App:         "apex_legends",
		Ports:       []int{37015, 37020},
		Timeout:     30 * time.Second,
		Executables: []string{"r5apex", "apex legends"},
	},
	{
		App:         "overwatch",
		Ports:       []int{1119, 3724, 6113, 12000},
		Timeout:     30 * time.Second,
		Executables: []string{"overwatch", "overwatchlauncher"},
	},
}

// Classify matches a port and datagram payload against the rule table. Per
// entry the port set is consulted first (cheap), then the payload signature;
// the first matching entry wins. ok is false for unclassified traffic.
func Classify(port int, payload []byte) (rule Rule, ok bool) {
	for i := range rules {
		r := &rules[i]
		if r.matchesPort(port) || r.matchesPayload(payload) {
			return *r, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the application table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

func (r *Rule) matchesPort(port int) bool {
	for _, p := range r.Ports {
		if p == port {
			return true
		}
	}
	return false
}

func (r *Rule) matchesPayload(payload []byte) bool {
	if len(r.Signature) == 0 {
		return false
	}
	end := r.SigOffset + len(r.Signature)
	if len(payload) < end {
		return false
	}
	return bytes.Equal(payload[r.SigOffset:end], r.Signature)
}

// MatchesExecutable reports whether a process executable name belongs to
// this application. Matching is a case-insensitive substring test with a
// trailing ".exe" ignored, mirroring how launchers name their processes
// across platforms.
func (r *Rule) MatchesExecutable(executable string) bool {
	name := strings.TrimSuffix(strings.ToLower(executable), ".exe")
	for _, e := range r.Executables {
		if strings.Contains(name, e) {
			return true
		}
	}
	return false
}
