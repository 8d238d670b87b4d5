package models

import (
	"fmt"
	"strconv"
)

// ProcessID identifies a process. Ids are compared lexicographically and the
// greatest live id wins an election.
type ProcessID string

// Binding is how a peer can be reached.
type Binding struct {
	Address string `json:"ip"`
	Port    int    `json:"port"`
}

func (b Binding) String() string {
	return b.Address + ":" + strconv.Itoa(b.Port)
}

// Equal reports whether two bindings name the same endpoint. "localhost" and
// "127.0.0.1" are treated as the same host.
func (b Binding) Equal(o Binding) bool {
	return b.Port == o.Port && CanonicalHost(b.Address) == CanonicalHost(o.Address)
}

// CanonicalHost maps the loopback aliases to 127.0.0.1.
func CanonicalHost(h string) string {
	if h == "localhost" || h == "" {
		return "127.0.0.1"
	}
	return h
}

// ProcessRecord is one entry of the shared process directory.
type ProcessRecord struct {
	ID      ProcessID `json:"id"`
	Binding Binding   `json:"binding"`
}

func (r ProcessRecord) String() string {
	return fmt.Sprintf("%s@%s", r.ID, r.Binding)
}

// Role is the election role a process currently holds.
type Role int

const (
	RoleElecting Role = iota
	RoleWorker
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleElecting:
		return "electing"
	case RoleWorker:
		return "worker"
	case RoleCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}
