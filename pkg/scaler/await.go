package scaler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/pkg/beacon"
	"github.com/ryandielhenn/replscale/pkg/membership"
	"github.com/ryandielhenn/replscale/pkg/replset"
)

// AwaitMembers polls role's status until every host reports ready. A beacon
// from one of the hosts' IPs, when tr is non-nil, triggers an early poll;
// readiness itself is only ever decided from status.
func (o *Orchestrator) AwaitMembers(ctx context.Context, role replset.Role, hosts []string, tr *beacon.Tracker) error {
	if len(hosts) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hint := make(chan string, len(hosts))
	if tr != nil {
		for _, h := range hosts {
			ip := membership.HostIP(h)
			tr.Expect(ip)
			defer tr.Forget(ip)
			sig := tr.Signal(ip)
			go func() {
				select {
				case <-sig:
					hint <- ip
				case <-ctx.Done():
				}
			}()
		}
	}

	admin := o.admin(role)
	tick := time.NewTicker(o.opts.PollInterval)
	defer tick.Stop()

	log := o.log.With(zap.String("role", string(role)))
	missing := hosts
	for {
		st, err := admin.Status(ctx)
		if err != nil {
			log.Debug("status read failed while waiting", zap.Error(err))
		} else {
			missing = notReady(st, hosts)
			if len(missing) == 0 {
				log.Info("members ready", zap.Strings("hosts", hosts))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("await %s members %v: %w", role, missing, ctx.Err())
		case ip := <-hint:
			log.Debug("beacon received, polling early", zap.String("ip", ip))
		case <-tick.C:
		}
	}
}

func notReady(st replset.Status, hosts []string) []string {
	var out []string
	for _, h := range hosts {
		ready := slices.ContainsFunc(st.Members, func(m replset.MemberStatus) bool {
			return m.Name == h && m.Ready()
		})
		if !ready {
			out = append(out, h)
		}
	}
	return out
}
