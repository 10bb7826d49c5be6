/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdpublisher

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type Registration struct {
	logger      *zap.Logger
	etcdClient  *etcd.Client
	key         string
	leasePeriod time.Duration
	id          string

	lock        sync.Mutex
	leaseID     etcd.LeaseID
	lastPayload []byte
	kaCancel    context.CancelFunc
}

func (r *Registration) ID() string {
	return r.id
}

func (r *Registration) join(ctx context.Context) error {
	lease, err := r.etcdClient.Lease.Grant(ctx, int64(r.leasePeriod/time.Second))
	if err != nil {
		return errors.Wrap(err, "failed to grant lease")
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := r.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to keep lease alive")
	}

	go func() {
		for range leaseKaCh {
		}

		if kaCtx.Err() == nil {
			r.logger.Warn("lost topology publication lease")
		}
	}()

	r.lock.Lock()
	r.leaseID = lease.ID
	r.kaCancel = kaCancel
	r.lock.Unlock()

	_, err = r.etcdClient.KV.Put(ctx, r.key, "", etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to register instance")
	}

	return nil
}

// Publish stores desc under this instance's key.  Descriptions identical to
// the last one published are skipped.
func (r *Registration) Publish(ctx context.Context, desc *membership.TopologyDescription) error {
	payload, err := EncodeDescription(desc)
	if err != nil {
		return err
	}

	r.lock.Lock()
	leaseID := r.leaseID
	unchanged := string(payload) == string(r.lastPayload)
	r.lock.Unlock()

	if unchanged {
		return nil
	}

	_, err = r.etcdClient.KV.Put(ctx, r.key, string(payload), etcd.WithLease(leaseID))
	if err != nil {
		return errors.Wrap(err, "failed to publish topology description")
	}

	r.lock.Lock()
	r.lastPayload = payload
	r.lock.Unlock()

	r.logger.Debug("published topology description",
		zap.String("topologyType", string(desc.TopologyType)),
		zap.Int("servers", len(desc.Servers)))

	return nil
}

// Leave deletes this instance's key and revokes its lease.
func (r *Registration) Leave(ctx context.Context) error {
	r.lock.Lock()
	leaseID := r.leaseID
	kaCancel := r.kaCancel
	r.lock.Unlock()

	if kaCancel != nil {
		kaCancel()
	}

	if _, err := r.etcdClient.KV.Delete(ctx, r.key); err != nil {
		return errors.Wrap(err, "failed to deregister instance")
	}

	if _, err := r.etcdClient.Lease.Revoke(ctx, leaseID); err != nil {
		return errors.Wrap(err, "failed to revoke lease")
	}

	return nil
}
