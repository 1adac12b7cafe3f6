package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
)

// ErrNotFound is returned when a key has no value (or it expired)
var ErrNotFound = fmt.Errorf("state: not found")

// LastLocation is the most recent geolocation observed for a user.
// SeenAt lets the engine compute implied travel speed.
type LastLocation struct {
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	SeenAt time.Time `json:"seen_at"`
}

// Store keeps the hot per-user velocity state in Redis: rolling counters,
// last locations, device sets and short observation windows. It also backs
// the rule registry's distribution keys and reload channel.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies connectivity
func NewStore(cfg configs.RedisConfig) (*Store, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Msg("State store initialized")
	return &Store{client: client}, nil
}

// IncrementCounter atomically increments a rolling counter and returns the
// new value. The TTL is set only when the counter is created so the window
// is anchored to the first event.
func (s *Store) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// GetCounter reads a counter, returning 0 if it does not exist
func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func locationKey(userID string) string {
	return "user:" + userID + ":location"
}

// GetLastLocation returns the user's last observed location, or ErrNotFound
func (s *Store) GetLastLocation(ctx context.Context, userID string) (*LastLocation, error) {
	data, err := s.client.Get(ctx, locationKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var loc LastLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}

// SetLastLocation stores the user's latest location with its observation time
func (s *Store) SetLastLocation(ctx context.Context, userID string, loc LastLocation, ttl time.Duration) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, locationKey(userID), data, ttl).Err()
}

func deviceKey(userID string) string {
	return "user:" + userID + ":devices"
}

func deviceWindowKey(userID string) string {
	return "user:" + userID + ":new_devices"
}

// IsKnownDevice reports whether the fingerprint is in the user's device set
func (s *Store) IsKnownDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	return s.client.SIsMember(ctx, deviceKey(userID), fingerprint).Result()
}

// RememberDevice adds the fingerprint to the user's long-lived device set
func (s *Store) RememberDevice(ctx context.Context, userID, fingerprint string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, deviceKey(userID), fingerprint)
	pipe.Expire(ctx, deviceKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// TrackNewDevice adds an unknown fingerprint to the short observation window
// and returns the window's cardinality. The window TTL is refreshed on every
// add so the set expires as a whole.
func (s *Store) TrackNewDevice(ctx context.Context, userID, fingerprint string, window time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, deviceWindowKey(userID), fingerprint)
	pipe.Expire(ctx, deviceWindowKey(userID), window)
	card := pipe.SCard(ctx, deviceWindowKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to track device: %w", err)
	}
	return card.Val(), nil
}

// AddSetMember adds a member to an index set and returns all members.
// Used by link analysis to find users sharing a device or IP.
func (s *Store) AddSetMember(ctx context.Context, key, member string, ttl time.Duration) ([]string, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	members := pipe.SMembers(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to update index %s: %w", key, err)
	}
	return members.Val(), nil
}

// Set stores an arbitrary string value (rule snapshots, markers)
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get reads a string value, returning ErrNotFound when absent
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Publish broadcasts a message on a pub/sub channel
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Subscribe returns a subscription on the given channel. The caller owns
// the returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// Ping checks store connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}
