// Package provision is the narrow contract the orchestrator uses to create,
// find and terminate compute nodes, plus an EC2 implementation of it.
package provision

import (
	"context"
	"errors"
)

var ErrProvisioningFailure = errors.New("provisioning failure")

type PowerState uint8

const (
	PowerUnknown PowerState = iota
	PowerStarting
	PowerRunning
	PowerStopped
)

func (s PowerState) String() string {
	switch s {
	case PowerStarting:
		return "starting"
	case PowerRunning:
		return "running"
	case PowerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is a provisioned virtual machine as observed from the provider.
type Node struct {
	ID             string     `json:"id"`
	PrivateAddress string     `json:"private_address"`
	PublicAddress  string     `json:"public_address"`
	State          PowerState `json:"state"`
}

// PrivateIP lets a Node be added to a replica-set config.
func (n Node) PrivateIP() string { return n.PrivateAddress }

type Gateway interface {
	CreateNode(ctx context.Context, securityGroups []string, instanceSize string) (Node, error)
	FindNodesByPrivateAddress(ctx context.Context, addrs []string) ([]Node, error)
	DeleteNode(ctx context.Context, node Node) error
}
