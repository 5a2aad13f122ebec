package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultEtcdKey = "/tuner/state"

// EtcdStore keeps the record under a single key, for deployments where the
// install root is not on durable storage.
type EtcdStore struct {
	client *clientv3.Client
	key    string
}

func NewEtcdStore(endpoints []string, key string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd backend needs at least one endpoint")
	}
	if key == "" {
		key = DefaultEtcdKey
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: cli, key: key}, nil
}

func (s *EtcdStore) Save(ctx context.Context, rec Record) error {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, s.key, string(bytes))
	return err
}

func (s *EtcdStore) Load(ctx context.Context) (Record, bool, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return Record{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode state at %s: %w", s.key, err)
	}
	return rec, true, nil
}

func (s *EtcdStore) Close() error { return s.client.Close() }
