package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

const (
	redisCommitmentKey   = "kinetix:commitment:"
	redisCommitmentIndex = "kinetix:commitments"
	redisReceiptKey      = "kinetix:receipt:"
	redisPublicationKey  = "kinetix:publication:"
	redisPublicationIdx  = "kinetix:publications"
)

// RedisStore keeps JSON documents in Redis strings with set indexes for
// listing. Updates run under WATCH and refuse to overwrite a stored
// commitment that another process has already moved further along.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreateCommitment(ctx context.Context, c *contracts.Commitment) error {
	if err := requireID("commitment", c.CommitmentID); err != nil {
		return err
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisCommitmentKey+c.CommitmentID, doc, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create commitment: %w", err)
	}
	if !ok {
		return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrAlreadyExists)
	}
	if err := s.client.SAdd(ctx, redisCommitmentIndex, c.CommitmentID).Err(); err != nil {
		return fmt.Errorf("redis index commitment: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCommitment(ctx context.Context, id string) (*contracts.Commitment, error) {
	data, err := s.client.Get(ctx, redisCommitmentKey+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("commitment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get commitment: %w", err)
	}
	return decodeCommitment(data)
}

func (s *RedisStore) UpdateCommitment(ctx context.Context, c *contracts.Commitment) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	key := redisCommitmentKey + c.CommitmentID
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("commitment %s: %w", c.CommitmentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		stored, err := decodeCommitment(data)
		if err != nil {
			return err
		}
		if err := checkNotStale(stored, c); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleWrite) {
		return err
	}
	if err != nil {
		return fmt.Errorf("redis update commitment: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCommitments(ctx context.Context, statuses ...contracts.Status) ([]*contracts.Commitment, error) {
	ids, err := s.client.SMembers(ctx, redisCommitmentIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list commitments: %w", err)
	}
	docs, err := s.mget(ctx, redisCommitmentKey, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.Commitment, 0, len(docs))
	for _, data := range docs {
		c, err := decodeCommitment(data)
		if err != nil {
			return nil, err
		}
		if matchStatus(c.Status, statuses) {
			out = append(out, c)
		}
	}
	sortCommitments(out)
	return out, nil
}

func (s *RedisStore) mget(ctx context.Context, prefix string, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}

func (s *RedisStore) PutReceipt(ctx context.Context, r *contracts.Receipt) error {
	if err := requireID("receipt", r.ReceiptID); err != nil {
		return err
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisReceiptKey+r.ReceiptID, doc, 0).Result()
	if err != nil {
		return fmt.Errorf("redis put receipt: %w", err)
	}
	if !ok {
		return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrAlreadyExists)
	}
	return nil
}

func (s *RedisStore) GetReceipt(ctx context.Context, receiptID string) (*contracts.Receipt, error) {
	data, err := s.client.Get(ctx, redisReceiptKey+receiptID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get receipt: %w", err)
	}
	return decodeReceipt(data)
}

func (s *RedisStore) PutPublication(ctx context.Context, p *contracts.PublicationStatus) error {
	if err := requireID("receipt", p.ReceiptID); err != nil {
		return err
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode publication: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisPublicationKey+p.ReceiptID, doc, 0)
		pipe.SAdd(ctx, redisPublicationIdx, p.ReceiptID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put publication: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPublication(ctx context.Context, receiptID string) (*contracts.PublicationStatus, error) {
	data, err := s.client.Get(ctx, redisPublicationKey+receiptID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("publication %s: %w", receiptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get publication: %w", err)
	}
	return decodePublication(data)
}

func (s *RedisStore) ListPublications(ctx context.Context, states ...contracts.PublicationState) ([]*contracts.PublicationStatus, error) {
	ids, err := s.client.SMembers(ctx, redisPublicationIdx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list publications: %w", err)
	}
	docs, err := s.mget(ctx, redisPublicationKey, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.PublicationStatus, 0, len(docs))
	for _, data := range docs {
		p, err := decodePublication(data)
		if err != nil {
			return nil, err
		}
		if matchState(p.State, states) {
			out = append(out, p)
		}
	}
	sortPublications(out)
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
