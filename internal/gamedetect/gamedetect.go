// Package gamedetect correlates running OS processes with the known game
// table. Purely informational: detections never influence the relay path.
package gamedetect

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"

	"gamelink/internal/core/classifier"
)

// Detection is one recognized game process.
type Detection struct {
	App        string `json:"app"`
	PID        int    `json:"pid"`
	Executable string `json:"executable"`
}

// listProcesses is swapped out in tests.
var listProcesses = ps.Processes

// Detect enumerates OS processes and returns one detection per process that
// matches an application in the classifier table.
func Detect() ([]Detection, error) {
	procs, err := listProcesses()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	apps := classifier.Rules()
	var found []Detection
	for _, p := range procs {
		exe := p.Executable()
		for i := range apps {
			if !apps[i].MatchesExecutable(exe) {
				continue
			}
			found = append(found, Detection{
				App:        apps[i].App,
				PID:        p.Pid(),
				Executable: exe,
			})
			break
		}
	}
	return found, nil
}
