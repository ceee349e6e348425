// Package scaler grows and shrinks a two-tier replica-set cluster (config
// servers and database) in lockstep. It validates every request against the
// odd-member and disaster invariants before touching anything, provisions
// or terminates nodes through a provision.Gateway, and rewrites both
// replica-set configurations through replset.Admin.
//
// A scale operation holds the Locker for its whole duration; the cluster
// configuration is always re-read under the lock and never cached.
package scaler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/replscale/internal/telemetry"
	"github.com/ryandielhenn/replscale/pkg/membership"
	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/replset"
)

type Options struct {
	ConfigPort     int
	DatabasePort   int
	SecurityGroups []string
	InstanceSize   string
	Retry          RetryPolicy
	// PollInterval paces AwaitMembers status reads.
	PollInterval time.Duration
	// LocalAddrs returns the IPs of the machine running the orchestrator.
	// Members on these IPs are never removed.
	LocalAddrs func() (map[string]struct{}, error)
	Logger     *zap.Logger
}

type Orchestrator struct {
	configSet replset.Admin
	database  replset.Admin
	gw        provision.Gateway
	lock      Locker
	opts      Options
	log       *zap.Logger
}

// Result describes a committed scale operation. For scale up Nodes are the
// new nodes; for scale down they are the terminated ones.
type Result struct {
	Direction       string           `json:"direction"`
	Nodes           []provision.Node `json:"nodes"`
	ConfigVersion   int32            `json:"config_version"`
	DatabaseVersion int32            `json:"database_version"`
	ConfigHosts     []string         `json:"config_hosts"`
	DatabaseHosts   []string         `json:"database_hosts"`
}

func New(configSet, database replset.Admin, gw provision.Gateway, lock Locker, opts Options) (*Orchestrator, error) {
	if configSet == nil || database == nil || gw == nil {
		return nil, errors.New("scaler: config set, database set and gateway are required")
	}
	if lock == nil {
		return nil, errors.New("scaler: a Locker is required; concurrent scale operations are unsafe")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LocalAddrs == nil {
		opts.LocalAddrs = LocalAddrs
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		configSet: configSet,
		database:  database,
		gw:        gw,
		lock:      lock,
		opts:      opts,
		log:       opts.Logger.Named("scaler"),
	}, nil
}

func (o *Orchestrator) admin(role replset.Role) replset.Admin {
	if role == replset.ConfigServer {
		return o.configSet
	}
	return o.database
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	unlock, err := o.lock.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire scale lock: %w", err)
	}
	return func() {
		// release even if the operation's ctx is already cancelled
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := unlock(rctx); err != nil {
			o.log.Error("release scale lock", zap.Error(err))
		}
	}, nil
}

// ScaleUp adds n nodes to both replica sets. The database set size plus n
// must be odd.
func (o *Orchestrator) ScaleUp(ctx context.Context, n int) (res Result, err error) {
	start := time.Now()
	defer func() { telemetry.ObserveScale("up", start, err) }()
	res.Direction = "up"

	if n <= 0 {
		return res, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	release, err := o.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	st, err := o.database.Status(ctx)
	if err != nil {
		return res, err
	}
	size := len(st.Members)
	if (size+n)%2 == 0 {
		return res, fmt.Errorf("%w: database set has %d, adding %d gives %d", ErrInvalidParity, size, n, size+n)
	}

	log := o.log.With(zap.Int("count", n), zap.Int("size", size))
	log.Info("scale up: provisioning")

	nodes, err := o.provision(ctx, n)
	res.Nodes = nodes
	if err != nil {
		log.Error("scale up: provisioning failed", zap.Int("leaked", len(nodes)), zap.Error(err))
		return res, err
	}

	dbCfg, err := o.database.Config(ctx)
	if err != nil {
		return res, err
	}
	csCfg, err := o.configSet.Config(ctx)
	if err != nil {
		return res, err
	}

	dbPort, csPort := strconv.Itoa(o.opts.DatabasePort), strconv.Itoa(o.opts.ConfigPort)
	for _, node := range nodes {
		dbCfg = membership.AddMember(dbCfg, node, dbPort)
		csCfg = membership.AddMember(csCfg, node, csPort)
		res.DatabaseHosts = append(res.DatabaseHosts, dbCfg.Members[dbCfg.Size()-1].Host)
		res.ConfigHosts = append(res.ConfigHosts, csCfg.Members[csCfg.Size()-1].Host)
	}

	if err := o.reconfigure(ctx, replset.Database, dbCfg); err != nil {
		return res, err
	}
	res.DatabaseVersion = dbCfg.Version
	if err := o.reconfigure(ctx, replset.ConfigServer, csCfg); err != nil {
		return res, err
	}
	res.ConfigVersion = csCfg.Version

	log.Info("scale up: done", zap.Strings("hosts", res.DatabaseHosts))
	return res, nil
}

// provision creates n nodes concurrently. On failure the nodes created so
// far are returned alongside a *ProvisioningError.
func (o *Orchestrator) provision(ctx context.Context, n int) ([]provision.Node, error) {
	g, gctx := errgroup.WithContext(ctx)
	var (
		mu    sync.Mutex
		nodes = make([]provision.Node, 0, n)
	)
	for range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			node, err := o.gw.CreateNode(gctx, o.opts.SecurityGroups, o.opts.InstanceSize)
			if err != nil {
				return err
			}
			telemetry.NodesProvisioned.Inc()
			mu.Lock()
			nodes = append(nodes, node)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	slices.SortFunc(nodes, func(a, b provision.Node) int { return cmp.Compare(a.PrivateAddress, b.PrivateAddress) })
	if err != nil {
		return nodes, &ProvisioningError{Requested: n, Leaked: nodes, Err: err}
	}
	return nodes, nil
}

// ScaleDown removes n members from both replica sets and terminates the
// nodes that no longer host any member. Reducing the config server set to
// zero requires allowDisaster.
func (o *Orchestrator) ScaleDown(ctx context.Context, n int, allowDisaster bool) (res Result, err error) {
	start := time.Now()
	defer func() { telemetry.ObserveScale("down", start, err) }()
	res.Direction = "down"

	if n <= 0 {
		return res, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	release, err := o.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	csCfg, err := o.configSet.Config(ctx)
	if err != nil {
		return res, err
	}
	dbCfg, err := o.database.Config(ctx)
	if err != nil {
		return res, err
	}

	m := csCfg.Size()
	remaining := m - n
	if remaining <= 0 && !allowDisaster {
		return res, fmt.Errorf("%w: config set has %d, removing %d", ErrDisasterPrevented, m, n)
	}
	// an empty set is the one permitted even size, and only with allowDisaster
	if remaining > 0 && remaining%2 == 0 {
		return res, fmt.Errorf("%w: config set has %d, removing %d leaves %d", ErrInvalidParity, m, n, remaining)
	}

	local, err := o.opts.LocalAddrs()
	if err != nil {
		return res, fmt.Errorf("local addresses: %w", err)
	}
	csVictims := membership.Candidates(csCfg, n, local)
	dbVictims := membership.Candidates(dbCfg, n, local)
	if (remaining > 0 && (len(csVictims) < n || len(dbVictims) < n)) || len(csVictims) == 0 || len(dbVictims) == 0 {
		return res, fmt.Errorf("%w: want %d, config set offers %d, database set offers %d",
			ErrInsufficientCandidates, n, len(csVictims), len(dbVictims))
	}
	if dbCfg.Size() != m {
		o.log.Warn("replica sets out of lockstep", zap.Int("config", m), zap.Int("database", dbCfg.Size()))
	}
	// judge what is actually left: local members or lockstep drift can keep
	// a document above the requested size
	for _, s := range []struct {
		role    replset.Role
		size    int
		victims int
	}{
		{replset.ConfigServer, m, len(csVictims)},
		{replset.Database, dbCfg.Size(), len(dbVictims)},
	} {
		if err := checkRemaining(s.role, s.size, s.victims, n, allowDisaster); err != nil {
			return res, err
		}
	}

	for _, v := range csVictims {
		if csCfg, err = membership.RemoveMember(csCfg, v); err != nil {
			return res, fmt.Errorf("config set %s: %w", v.Host, err)
		}
		res.ConfigHosts = append(res.ConfigHosts, v.Host)
	}
	for _, v := range dbVictims {
		if dbCfg, err = membership.RemoveMember(dbCfg, v); err != nil {
			return res, fmt.Errorf("database set %s: %w", v.Host, err)
		}
		res.DatabaseHosts = append(res.DatabaseHosts, v.Host)
	}

	log := o.log.With(zap.Int("count", n), zap.Int("size", m), zap.Bool("allow_disaster", allowDisaster))
	log.Info("scale down: reconfiguring", zap.Strings("config_hosts", res.ConfigHosts), zap.Strings("database_hosts", res.DatabaseHosts))

	if err := o.reconfigure(ctx, replset.ConfigServer, csCfg); err != nil {
		return res, err
	}
	res.ConfigVersion = csCfg.Version
	if err := o.reconfigure(ctx, replset.Database, dbCfg); err != nil {
		return res, err
	}
	res.DatabaseVersion = dbCfg.Version

	retired := retiredAddrs(slices.Concat(csVictims, dbVictims), csCfg, dbCfg)
	nodes, err := o.teardown(ctx, retired)
	res.Nodes = nodes
	if err != nil {
		return res, err
	}
	log.Info("scale down: done", zap.Int("terminated", len(nodes)))
	return res, nil
}

// checkRemaining rejects a removal that leaves an even, non-empty set, or
// an empty one without allowDisaster.
func checkRemaining(role replset.Role, size, victims, n int, allowDisaster bool) error {
	left := size - victims
	switch {
	case left == 0 && !allowDisaster:
		return fmt.Errorf("%w: %s set has %d, removing %d", ErrDisasterPrevented, role, size, victims)
	case left > 0 && left%2 == 0 && victims < n:
		return fmt.Errorf("%w: %s set offers %d of %d, which leaves %d",
			ErrInsufficientCandidates, role, victims, n, left)
	case left > 0 && left%2 == 0:
		return fmt.Errorf("%w: %s set has %d, removing %d leaves %d", ErrInvalidParity, role, size, victims, left)
	}
	return nil
}

// retiredAddrs returns the IPs of removed members that host no member of
// any remaining configuration, sorted.
func retiredAddrs(removed []membership.Member, remaining ...membership.ReplicaSetConfig) []string {
	live := make(map[string]struct{})
	for _, c := range remaining {
		for _, m := range c.Members {
			live[membership.HostIP(m.Host)] = struct{}{}
		}
	}
	var out []string
	for _, m := range removed {
		ip := membership.HostIP(m.Host)
		if _, ok := live[ip]; ok || slices.Contains(out, ip) {
			continue
		}
		out = append(out, ip)
	}
	slices.Sort(out)
	return out
}

func (o *Orchestrator) teardown(ctx context.Context, addrs []string) ([]provision.Node, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("teardown of %v skipped: %w", addrs, err)
	}
	nodes, err := o.gw.FindNodesByPrivateAddress(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("resolve retired nodes %v: %w", addrs, err)
	}
	if len(nodes) != len(addrs) {
		o.log.Warn("not every retired address maps to a node", zap.Strings("addrs", addrs), zap.Int("found", len(nodes)))
	}

	var g errgroup.Group
	for _, node := range nodes {
		g.Go(func() error {
			if err := o.gw.DeleteNode(ctx, node); err != nil {
				return err
			}
			telemetry.NodesTerminated.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nodes, fmt.Errorf("terminate retired nodes: %w", err)
	}
	return nodes, nil
}

// Snapshot is the live view of both replica sets.
type Snapshot struct {
	ConfigServer Set `json:"config_server"`
	Database     Set `json:"database"`
}

type Set struct {
	Config membership.ReplicaSetConfig `json:"config"`
	Status replset.Status              `json:"status"`
}

// Snapshot reads status and configuration of both sets. It takes no lock.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	for _, s := range []struct {
		admin replset.Admin
		dst   *Set
	}{{o.configSet, &snap.ConfigServer}, {o.database, &snap.Database}} {
		cfg, err := s.admin.Config(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		st, err := s.admin.Status(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		*s.dst = Set{Config: cfg, Status: st}
	}
	return snap, nil
}
