package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/estuary/dbfollower/clusterlock"
)

func acquireClusterLock(ctx context.Context) (*clusterlock.Lock, *clientv3.Client, error) {
	var etcd, err = clientv3.New(clientv3.Config{Endpoints: config.ClusterLock.Endpoints})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing etcd: %w", err)
	}
	lock, err := clusterlock.Acquire(ctx, etcd, config.ClusterLock.Key, config.ClusterLock.TTL)
	if err != nil {
		etcd.Close()
		return nil, nil, fmt.Errorf("acquiring cluster lock: %w", err)
	}
	return lock, etcd, nil
}

func prometheusRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}
