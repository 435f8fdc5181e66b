package sessioncache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	valkeylib "github.com/valkey-io/valkey-go"
)

type ValkeyBackend struct {
	client     valkeylib.Client
	key        string
	expiration time.Duration
}

var _ Backend = &ValkeyBackend{}

// NewValkeyBackend connects to addr and pings it within connectTimeout.
func NewValkeyBackend(addr, password string, db int, prefix, scope, key string, expiration, connectTimeout time.Duration) (*ValkeyBackend, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{addr},
		SelectDB:    db,
	}
	if password != "" {
		opts.Password = password
	}
	client, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, errors.Wrap(err, "valkey session cache: create client")
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "valkey session cache: ping %s", addr)
	}
	return &ValkeyBackend{client: client, key: joinKey(prefix, scope, key), expiration: expiration}, nil
}

func (b *ValkeyBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.client.Do(ctx, b.client.B().Get().Key(b.key).Build()).AsBytes()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "valkey session cache: get")
	}
	return data, nil
}

func (b *ValkeyBackend) Save(ctx context.Context, data []byte) error {
	var cmd valkeylib.Completed
	if b.expiration > 0 {
		cmd = b.client.B().Set().Key(b.key).Value(valkeylib.BinaryString(data)).Ex(b.expiration).Build()
	} else {
		cmd = b.client.B().Set().Key(b.key).Value(valkeylib.BinaryString(data)).Build()
	}
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return errors.Wrap(err, "valkey session cache: set")
	}
	return nil
}

func (b *ValkeyBackend) Close() error {
	b.client.Close()
	return nil
}
