package etcd

import (
	"context"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/logger"
)

const (
	compactKey = "last_compact_rev"
)

var DefaultCompactionInterval = 5 * time.Minute

// Compactor discards the history of the keyspace periodically.
// Every agent runs a compactor but a compaction happens at most once per interval in the cluster.
// The agent that wins the transaction on compactKey compacts up to the revision that was recorded one interval ago.
type Compactor struct {
	client   *clientv3.Client
	interval time.Duration
	log      *zap.Logger

	rev     int64
	version int64
}

func NewCompactor(ctx context.Context, client *clientv3.Client, interval time.Duration) (*Compactor, error) {
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}
	res, err := client.Get(ctx, compactKey)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	rev := int64(0)
	version := int64(0)
	if len(res.Kvs) > 0 {
		rev = res.Header.Revision
		version = res.Kvs[0].Version
	}

	return &Compactor{client: client, interval: interval, log: logger.Named("compactor"), rev: rev, version: version}, nil
}

// Start runs until ctx is done.
func (c *Compactor) Start(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := c.compact(ctx); err != nil {
				c.log.Info("Failed to compact", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Compactor) compact(ctx context.Context) error {
	res, err := c.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Version(compactKey), "=", c.version),
	).Then(
		clientv3.OpPut(compactKey, strconv.FormatInt(c.rev, 10)),
	).Else(
		clientv3.OpGet(compactKey),
	).Commit()
	if err != nil {
		return xerrors.WithStack(err)
	}

	currentRev := res.Header.Revision
	if !res.Succeeded {
		// Another agent has compacted. Follow its version and try again at the next interval.
		if kvs := res.Responses[0].GetResponseRange().Kvs; len(kvs) > 0 {
			c.version = kvs[0].Version
		} else {
			c.version = 0
		}
		c.rev = currentRev
		return nil
	}

	if c.rev == 0 || c.rev == currentRev {
		c.rev = currentRev
		c.version++
		return nil
	}

	if _, err := c.client.Compact(ctx, c.rev); err != nil {
		return xerrors.WithStack(err)
	}
	c.log.Debug("Finish compaction", zap.Int64("revision", c.rev))

	c.rev = currentRev
	c.version++
	return nil
}
