// Package etcdpublisher publishes the topology description seen by each
// gateway instance under a lease-backed etcd key, so that other processes
// can watch which replica set members every instance currently sees.
package etcdpublisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const minLeasePeriod = 5 * time.Second

type Options struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string
}

type Publisher struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
	keyPrefix  string
}

// Instance is the description last published by one gateway instance.
type Instance struct {
	InstanceID  string
	Description *membership.TopologyDescription
}

type InstancesSnapshot struct {
	Revision  int64
	Instances []*Instance
}

func New(opts *Options) (*Publisher, error) {
	if opts == nil || opts.EtcdClient == nil {
		return nil, errors.New("an etcd client must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		logger:     logger,
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimSuffix(opts.KeyPrefix, "/"),
	}, nil
}

func (p *Publisher) instancesPrefix() string {
	return p.keyPrefix + "/"
}

// EncodeDescription serializes a description into the compressed form stored
// in etcd.
func EncodeDescription(desc *membership.TopologyDescription) ([]byte, error) {
	jsonBytes, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal topology description")
	}

	return snappy.Encode(nil, jsonBytes), nil
}

func DecodeDescription(data []byte) (*membership.TopologyDescription, error) {
	jsonBytes, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress topology description")
	}

	var desc membership.TopologyDescription
	if err := json.Unmarshal(jsonBytes, &desc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal topology description")
	}

	return &desc, nil
}

type JoinOptions struct {
	InstanceID  string
	LeasePeriod time.Duration
}

// Join registers this instance.  Its key lives as long as the process keeps
// the lease alive.
func (p *Publisher) Join(ctx context.Context, opts *JoinOptions) (*Registration, error) {
	if opts == nil {
		opts = &JoinOptions{}
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	leasePeriod := minLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcd refuses shorter leases
		if opts.LeasePeriod < minLeasePeriod {
			return nil, errors.New("lease period must be at least 5 seconds")
		}

		leasePeriod = opts.LeasePeriod
	}

	r := &Registration{
		logger:      p.logger.With(zap.String("instanceId", instanceID)),
		etcdClient:  p.etcdClient,
		key:         p.instancesPrefix() + instanceID,
		leasePeriod: leasePeriod,
		id:          instanceID,
	}

	if err := r.join(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (p *Publisher) parseInstances(kvs []*mvccpb.KeyValue) []*Instance {
	prefix := p.instancesPrefix()

	var instances []*Instance
	for _, kv := range kvs {
		instanceID := strings.TrimPrefix(string(kv.Key), prefix)

		instance := &Instance{InstanceID: instanceID}

		if len(kv.Value) > 0 {
			desc, err := DecodeDescription(kv.Value)
			if err != nil {
				p.logger.Warn("ignoring undecodable topology description",
					zap.String("instanceId", instanceID),
					zap.Error(err))
			}
			instance.Description = desc
		}

		instances = append(instances, instance)
	}

	return instances
}

func (p *Publisher) Instances(ctx context.Context) (*InstancesSnapshot, error) {
	resp, err := p.etcdClient.KV.Get(ctx, p.instancesPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}

	return &InstancesSnapshot{
		Revision:  resp.Header.Revision,
		Instances: p.parseInstances(resp.Kvs),
	}, nil
}

// WatchInstances emits the full instance list once and then again after
// every change.  The channel closes when ctx ends.
func (p *Publisher) WatchInstances(ctx context.Context) (<-chan *InstancesSnapshot, error) {
	prefix := p.instancesPrefix()

	resp, err := p.etcdClient.KV.Get(ctx, prefix, etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}

	keyMap := make(map[string]*mvccpb.KeyValue)
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv
	}
	revision := resp.Header.Revision

	snapshot := func() *InstancesSnapshot {
		kvs := make([]*mvccpb.KeyValue, 0, len(keyMap))
		for _, kv := range keyMap {
			kvs = append(kvs, kv)
		}

		return &InstancesSnapshot{
			Revision:  revision,
			Instances: p.parseInstances(kvs),
		}
	}

	outputCh := make(chan *InstancesSnapshot, 1)
	outputCh <- snapshot()

	watchCh := p.etcdClient.Watcher.Watch(ctx, prefix, etcd.WithPrefix(), etcd.WithRev(revision+1))
	go func() {
		defer close(outputCh)

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				p.logger.Warn("instance watch failed", zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				switch evt.Type {
				case mvccpb.PUT:
					keyMap[string(evt.Kv.Key)] = evt.Kv
				case mvccpb.DELETE:
					delete(keyMap, string(evt.Kv.Key))
				}
			}
			revision = watchResp.Header.Revision

			select {
			case outputCh <- snapshot():
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
