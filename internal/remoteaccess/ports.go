package remoteaccess

import (
	"fmt"
	"strconv"
	"strings"
)

// PortPolicy decides which local ports may be tunnelled.
type PortPolicy interface {
	Allowed(port uint16) bool
}

// AllPorts allows every port.
type AllPorts struct{}

func (AllPorts) Allowed(uint16) bool { return true }

// PortSet allows only the listed ports.
type PortSet map[uint16]struct{}

func (s PortSet) Allowed(port uint16) bool {
	_, ok := s[port]
	return ok
}

// ParsePorts parses a comma-separated port list such as "22,8080".
func ParsePorts(list string) (PortSet, error) {
	set := PortSet{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		set[uint16(n)] = struct{}{}
	}
	return set, nil
}
