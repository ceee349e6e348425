package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/discovery"
	"github.com/ryandielhenn/replscale/internal/config"
	"github.com/ryandielhenn/replscale/pkg/beacon"
	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/replset"
	"github.com/ryandielhenn/replscale/pkg/scaler"
)

// cluster is an orchestrator with every connection it owns.
type cluster struct {
	orch    *scaler.Orchestrator
	closers []func(context.Context) error
}

func (c *cluster) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func connect(ctx context.Context, cfg *config.Configuration, log *zap.Logger) (_ *cluster, err error) {
	c := &cluster{}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	gw, image, err := newGateway(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	cs, err := replset.DialMongo(ctx, replset.ConfigServer,
		replset.URI(cfg.Mongo.Host, cfg.Mongo.ConfigPort, cfg.Mongo.ConfigSet), log)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, cs.Close)

	db, err := replset.DialMongo(ctx, replset.Database,
		replset.URI(cfg.Mongo.Host, cfg.Mongo.DatabasePort, cfg.Mongo.DatabaseSet), log)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, db.Close)

	var lock scaler.Locker
	switch cfg.Lock.Backend {
	case "etcd":
		cli, err := discovery.NewClient(cfg.Lock.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return cli.Close() })
		lock = discovery.NewEtcdLocker(cli, cfg.Lock.Key, cfg.Lock.SessionTTL, log)
	default:
		lock = scaler.NewLocalLocker()
	}

	c.orch, err = scaler.New(cs, db, gw, lock, scaler.Options{
		ConfigPort:     cfg.Mongo.ConfigPort,
		DatabasePort:   cfg.Mongo.DatabasePort,
		SecurityGroups: cfg.Scale.SecurityGroups,
		InstanceSize:   cfg.Scale.InstanceType,
		Retry: scaler.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.RetryInitial(),
			MaxInterval:     cfg.RetryMax(),
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("connected",
		zap.String("region", cfg.AWS.Region),
		zap.String("image", image),
		zap.String("lock", cfg.Lock.Backend))
	return c, nil
}

func ec2Client(ctx context.Context, cfg *config.Configuration) (*ec2.Client, error) {
	return provision.NewEC2Client(ctx, provision.AWSOptions{
		Region:    cfg.AWS.Region,
		AccessKey: cfg.AWS.AccessKey,
		SecretKey: cfg.AWS.SecretKey,
	})
}

// newGateway builds the EC2 gateway and returns the image it launches from.
func newGateway(ctx context.Context, cfg *config.Configuration, log *zap.Logger) (*provision.EC2Gateway, string, error) {
	api, err := ec2Client(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	image, err := provision.ResolveImage(ctx, api, cfg.AWS.ImageID, cfg.AWS.ImageDescription)
	if err != nil {
		return nil, "", err
	}
	return provision.NewEC2Gateway(api, image, log), image, nil
}

// watchBeacons feeds tr from the multicast group until ctx is done. A
// listener that cannot bind only costs the early wake-ups.
func watchBeacons(ctx context.Context, cfg config.BeaconConfiguration, tr *beacon.Tracker, log *zap.Logger) {
	if !cfg.Enabled {
		return
	}
	go func() {
		if err := beacon.Listen(ctx, cfg.Group, cfg.Port, tr.Observe); err != nil {
			log.Warn("beacon listener stopped", zap.Error(err))
		}
	}()
}
