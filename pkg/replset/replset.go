// Package replset is the administrative command surface of one replica set:
// status, current configuration, and reconfiguration.
package replset

import (
	"context"
	"errors"

	"github.com/ryandielhenn/replscale/pkg/membership"
)

// ErrReconfigurationConflict marks a transient rejection (election in
// progress, primary stepped down, another reconfig running). Callers may retry.
var ErrReconfigurationConflict = errors.New("reconfiguration conflict")

type Role string

const (
	ConfigServer Role = "config"
	Database     Role = "database"
)

type MemberStatus struct {
	ID       int32   `bson:"_id" json:"_id"`
	Name     string  `bson:"name" json:"name"`
	Health   float64 `bson:"health" json:"health"`
	State    int     `bson:"state" json:"state"`
	StateStr string  `bson:"stateStr" json:"state_str"`
}

// Ready reports whether the member is up and serving as primary or secondary.
func (m MemberStatus) Ready() bool {
	return m.Health == 1 && (m.StateStr == "PRIMARY" || m.StateStr == "SECONDARY")
}

type Status struct {
	Set     string         `bson:"set" json:"set"`
	Members []MemberStatus `bson:"members" json:"members"`
}

type Admin interface {
	Status(ctx context.Context) (Status, error)
	Config(ctx context.Context) (membership.ReplicaSetConfig, error)
	Reconfigure(ctx context.Context, cfg membership.ReplicaSetConfig) error
}
