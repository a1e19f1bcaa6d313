package nats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/clstr-es/ports/kv"
)

const defaultBucket = "clstr_es"

type KvConfig struct {
	Connect  Connector
	Bucket   string
	Replicas int
}

// KvStore implements kv.Store on a JetStream key/value bucket. Per key TTLs
// are not supported and PutOptions.TTL is ignored.
type KvStore struct {
	release releaseFunc
	kv      jetstream.KeyValue
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	nc, release, err := connectOrDefault(cfg.Connect)()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		release()
		return nil, err
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		Replicas: cfg.Replicas,
		MaxBytes: -1,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return &KvStore{release: release, kv: store}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	_, err := k.kv.Put(ctx, key, entry.Data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: e.Value()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		lister jetstream.KeyLister
		err    error
	)
	if strings.HasSuffix(prefix, ".") {
		lister, err = k.kv.ListKeysFiltered(ctx, prefix+">")
	} else {
		lister, err = k.kv.ListKeys(ctx)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *KvStore) Close() error {
	k.release()
	return nil
}

var _ kv.Store = &KvStore{}
