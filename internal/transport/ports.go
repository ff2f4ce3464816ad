package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB identifiers of the XIAO RP2040 controller boards.
const (
	xiaoVID = "2E8A"
	xiaoPID = "0005"
)

// PortInfo identifies one candidate controller port. SerialNumber is
// the board's stable hardware identity.
type PortInfo struct {
	Name         string
	SerialNumber string
}

// DetectPorts lists USB serial ports that look like chamber
// controllers. Boards without a readable serial number are skipped;
// they cannot be identity-bound.
func DetectPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var out []PortInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if !strings.EqualFold(p.VID, xiaoVID) || !strings.EqualFold(p.PID, xiaoPID) {
			continue
		}
		if p.SerialNumber == "" {
			continue
		}
		out = append(out, PortInfo{Name: p.Name, SerialNumber: p.SerialNumber})
	}
	return out, nil
}
