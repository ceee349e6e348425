package replset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/pkg/membership"
)

// Server error codes seen while a set is electing or already reconfiguring.
// 103 (NewReplicaSetConfigurationIncompatible) rejects the document itself
// and is permanent.
var transientCodes = []int{
	109,   // ConfigurationInProgress
	189,   // PrimarySteppedDown
	10107, // NotWritablePrimary
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
}

// MongoAdmin runs replica-set admin commands against the admin database.
type MongoAdmin struct {
	role   Role
	client *mongo.Client
	log    *zap.Logger
}

// URI builds the local connection string for a set.
func URI(host string, port int, setName string) string {
	return "mongodb://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/?replicaSet=" + setName
}

// DialMongo connects to uri. The caller owns Close.
func DialMongo(ctx context.Context, role Role, uri string, log *zap.Logger) (*MongoAdmin, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", role, err)
	}
	return &MongoAdmin{role: role, client: client, log: log.Named("replset").With(zap.String("role", string(role)))}, nil
}

func (a *MongoAdmin) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

func (a *MongoAdmin) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := a.run(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("%s replSetGetStatus: %w", a.role, err)
	}
	return st, nil
}

func (a *MongoAdmin) Config(ctx context.Context) (membership.ReplicaSetConfig, error) {
	var resp struct {
		Config membership.ReplicaSetConfig `bson:"config"`
	}
	if err := a.run(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&resp); err != nil {
		return membership.ReplicaSetConfig{}, fmt.Errorf("%s replSetGetConfig: %w", a.role, err)
	}
	return resp.Config, nil
}

func (a *MongoAdmin) Reconfigure(ctx context.Context, cfg membership.ReplicaSetConfig) error {
	err := a.run(ctx, bson.D{{Key: "replSetReconfig", Value: cfg}}).Err()
	if err != nil {
		a.log.Warn("reconfig rejected", zap.Int32("version", cfg.Version), zap.Error(err))
		return classify(a.role, err)
	}
	a.log.Info("reconfig accepted", zap.Int32("version", cfg.Version), zap.Int("members", cfg.Size()))
	return nil
}

func (a *MongoAdmin) run(ctx context.Context, cmd bson.D) *mongo.SingleResult {
	return a.client.Database("admin").RunCommand(ctx, cmd)
}

// classify tags election churn and connectivity errors as conflicts.
func classify(role Role, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%s replSetReconfig: %w: %v", role, ErrReconfigurationConflict, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range transientCodes {
			if se.HasErrorCode(code) {
				return fmt.Errorf("%s replSetReconfig: %w: %v", role, ErrReconfigurationConflict, err)
			}
		}
	}
	return fmt.Errorf("%s replSetReconfig: %w", role, err)
}
