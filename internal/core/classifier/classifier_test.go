package classifier

import "testing"

func TestClassifyByPort(t *testing.T) {
	rule, ok := Classify(10999, nil)
	if !ok {
		t.Fatal("Expected port 10999 to classify, but it did not")
	}
	if rule.App != "dont_starve_together" {
		t.Errorf("Expected app 'dont_starve_together', but got '%s'", rule.App)
	}
}

func TestClassifyByPayloadOnUnknownPort(t *testing.T) {
	// Klei session payloads carry the user id prefix regardless of the port
	// the client happens to play on.
	rule, ok := Classify(54321, []byte("KU_AbCd1234 handshake"))
	if !ok {
		t.Fatal("Expected KU_ payload to classify on an unknown port, but it did not")
	}
	if rule.App != "dont_starve_together" {
		t.Errorf("Expected app 'dont_starve_together', but got '%s'", rule.App)
	}
}

func TestClassifySourceEngineHeader(t *testing.T) {
	payload := []byte{0xff, 0xff, 0xff, 0xff, 'T', 'S', 'o', 'u', 'r', 'c', 'e'}
	rule, ok := Classify(40000, payload)
	if !ok {
		t.Fatal("Expected Source engine header to classify, but it did not")
	}
	if rule.App != "counter_strike" {
		t.Errorf("Expected app 'counter_strike', but got '%s'", rule.App)
	}
}

func TestClassifySharedPortsKeepTableOrder(t *testing.T) {
	// Counter-Strike and Dota 2 share the Source engine ports; the earlier
	// table entry wins.
	rule, ok := Classify(27015, nil)
	if !ok {
		t.Fatal("Expected port 27015 to classify, but it did not")
	}
	if rule.App != "counter_strike" {
		t.Errorf("Expected app 'counter_strike' to shadow 'dota2', but got '%s'", rule.App)
	}
}

func TestClassifyUnknownTraffic(t *testing.T) {
	if _, ok := Classify(443, []byte("GET / HTTP/1.1")); ok {
		t.Error("Expected plain web traffic to stay unclassified")
	}
}

func TestClassifyShortPayload(t *testing.T) {
	// Shorter than every signature; must not match and must not panic.
	if _, ok := Classify(60000, []byte("K")); ok {
		t.Error("Expected a short payload to stay unclassified")
	}
	if _, ok := Classify(60000, nil); ok {
		t.Error("Expected a nil payload to stay unclassified")
	}
}

func TestMatchesExecutable(t *testing.T) {
	rule, ok := Classify(10999, nil)
	if !ok {
		t.Fatal("Expected port 10999 to classify, but it did not")
	}

	if !rule.MatchesExecutable("dontstarve_steam.exe") {
		t.Error("Expected 'dontstarve_steam.exe' to match with the suffix stripped")
	}
	if !rule.MatchesExecutable("DontStarve_Steam") {
		t.Error("Expected executable matching to be case-insensitive")
	}
	if rule.MatchesExecutable("notepad.exe") {
		t.Error("Expected 'notepad.exe' not to match")
	}
}

func TestRulesReturnsCopy(t *testing.T) {
	a := Rules()
	a[0].App = "mutated"

	b := Rules()
	if b[0].App == "mutated" {
		t.Error("Expected Rules() to hand out a copy, but the table was mutated")
	}
}
