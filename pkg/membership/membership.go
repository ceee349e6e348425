package membership

import (
	"errors"
	"net"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
)

var ErrMemberNotFound = errors.New("member not found in replica set config")

// Member is one entry of a replica-set config. Fields the orchestrator
// does not manage (priority, votes, tags, ...) ride along in Extra.
type Member struct {
	ID    int32  `bson:"_id" json:"_id"`
	Host  string `bson:"host" json:"host"`
	Extra bson.M `bson:",inline" json:"-"`
}

// Equal compares members by id and host.
func (m Member) Equal(o Member) bool {
	return m.ID == o.ID && m.Host == o.Host
}

type ReplicaSetConfig struct {
	Version int32    `bson:"version" json:"version"`
	Members []Member `bson:"members" json:"members"`
	Extra   bson.M   `bson:",inline" json:"-"`
}

// Addressable is anything with a private address that can become a member.
type Addressable interface {
	PrivateIP() string
}

// Size returns the number of members.
func (c ReplicaSetConfig) Size() int { return len(c.Members) }

// Hosts returns member hosts in document order.
func (c ReplicaSetConfig) Hosts() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.Host)
	}
	return out
}

// NextID is max(existing ids, -1) + 1. Removed ids are never handed out again
// as long as the highest id survives; gaps are legal.
func (c ReplicaSetConfig) NextID() int32 {
	next := int32(-1)
	for _, m := range c.Members {
		if m.ID > next {
			next = m.ID
		}
	}
	return next + 1
}

// AddMember returns a copy of cfg with node appended on port and the version bumped.
func AddMember(cfg ReplicaSetConfig, node Addressable, port string) ReplicaSetConfig {
	out := cfg.clone()
	out.Members = append(out.Members, Member{
		ID:   cfg.NextID(),
		Host: net.JoinHostPort(node.PrivateIP(), port),
	})
	out.Version++
	return out
}

// RemoveMember returns a copy of cfg without member and the version bumped.
// cfg is returned untouched with ErrMemberNotFound when member is absent.
func RemoveMember(cfg ReplicaSetConfig, member Member) (ReplicaSetConfig, error) {
	idx := slices.IndexFunc(cfg.Members, member.Equal)
	if idx < 0 {
		return cfg, ErrMemberNotFound
	}
	out := cfg.clone()
	out.Members = slices.Delete(out.Members, idx, idx+1)
	out.Version++
	return out, nil
}

// Candidates picks up to n members whose host IP is not in exclude, in
// ascending id order.
func Candidates(cfg ReplicaSetConfig, n int, exclude map[string]struct{}) []Member {
	if n <= 0 {
		return nil
	}
	sorted := slices.Clone(cfg.Members)
	slices.SortFunc(sorted, func(a, b Member) int { return int(a.ID) - int(b.ID) })

	out := make([]Member, 0, n)
	for _, m := range sorted {
		if len(out) == n {
			break
		}
		if _, local := exclude[HostIP(m.Host)]; local {
			continue
		}
		out = append(out, m)
	}
	return out
}

// HostIP strips the port from a member host. Hosts without a port are
// returned as is.
func HostIP(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func (c ReplicaSetConfig) clone() ReplicaSetConfig {
	out := c
	out.Members = slices.Clone(c.Members)
	return out
}
