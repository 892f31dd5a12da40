package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "syncqueue:ready"

// Redis publishes signals on a pub/sub channel so workers in other processes
// wake up too.
type Redis struct {
	Client  *redis.Client
	Channel string
}

func NewRedis(opt *redis.Options, channel string) (*Redis, error) {
	if opt == nil || strings.TrimSpace(opt.Addr) == "" {
		return nil, errors.New("empty redis address")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &Redis{Client: redis.NewClient(opt), Channel: channel}, nil
}

func (r *Redis) Publish(ctx context.Context, sig Signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, r.Channel, b).Err()
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan Signal, error) {
	ps := r.Client.Subscribe(ctx, r.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Signal, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				sig, err := decodeSignal(msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("channel", r.Channel).Msg("dropping malformed ready signal")
					continue
				}
				select {
				case out <- sig:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

func decodeSignal(payload string) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return Signal{}, err
	}
	if sig.TenantID == "" || sig.QueueID == "" {
		return Signal{}, errors.New("signal without tenant or queue")
	}
	return sig, nil
}
