package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meterpay/meterpay"
)

const redisTxRetries = 5

// Redis is a Store backed by a shared Redis keyspace. Every record is a JSON
// blob under a prefixed key; counters are updated through WATCH transactions
// so concurrent routers never lose an increment.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "meterpay:"}
}

var _ meterpay.Store = (*Redis)(nil)

func (r *Redis) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

func (r *Redis) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return meterpay.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, out)
}

func (r *Redis) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// updateJSON applies fn to the JSON blob at key inside a WATCH transaction,
// retrying on contention.
func (r *Redis) updateJSON(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return meterpay.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}
	for i := 0; i < redisTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return meterpay.NewError(meterpay.KindInternal, "update contention on %s", key)
}

func (r *Redis) CreatePermit(ctx context.Context, p *meterpay.Permit) error {
	now := time.Now().UTC()
	userKey := r.key("permits", "user", strings.ToLower(p.UserAddress))

	// Revoke any active permit for the same spending lane before storing
	// the replacement.
	ids, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis smembers %s: %w", userKey, err)
	}
	for _, id := range ids {
		var existing meterpay.Permit
		if err := r.getJSON(ctx, r.key("permit", id), &existing); err != nil {
			if errors.Is(err, meterpay.ErrNotFound) {
				continue
			}
			return err
		}
		if existing.Status != meterpay.PermitActive {
			continue
		}
		if existing.ChainID == p.ChainID && meterpay.EqualAddress(existing.TokenAddress, p.TokenAddress) {
			existing.Status = meterpay.PermitRevoked
			existing.UpdatedAt = now
			if err := r.setJSON(ctx, r.key("permit", id), &existing); err != nil {
				return err
			}
		}
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := r.setJSON(ctx, r.key("permit", p.ID), p); err != nil {
		return err
	}
	if err := r.rdb.SAdd(ctx, userKey, p.ID).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", userKey, err)
	}
	return nil
}

func (r *Redis) GetPermit(ctx context.Context, id string) (*meterpay.Permit, error) {
	var p meterpay.Permit
	if err := r.getJSON(ctx, r.key("permit", id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Redis) ListPermitsByUser(ctx context.Context, userAddress string) ([]*meterpay.Permit, error) {
	userKey := r.key("permits", "user", strings.ToLower(userAddress))
	ids, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers %s: %w", userKey, err)
	}
	out := make([]*meterpay.Permit, 0, len(ids))
	for _, id := range ids {
		var p meterpay.Permit
		if err := r.getJSON(ctx, r.key("permit", id), &p); err != nil {
			if errors.Is(err, meterpay.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Redis) UpdatePermitStatus(ctx context.Context, id string, status meterpay.PermitStatus) error {
	return r.updateJSON(ctx, r.key("permit", id), func(data []byte) ([]byte, error) {
		var p meterpay.Permit
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
		return json.Marshal(&p)
	})
}

func (r *Redis) IncrementPermitUsage(ctx context.Context, id string) (int64, error) {
	var used int64
	err := r.updateJSON(ctx, r.key("permit", id), func(data []byte) ([]byte, error) {
		var p meterpay.Permit
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		p.CallsUsed++
		if p.CallsUsed >= p.MaxCalls && p.Status == meterpay.PermitActive {
			p.Status = meterpay.PermitExhausted
		}
		p.UpdatedAt = time.Now().UTC()
		used = p.CallsUsed
		return json.Marshal(&p)
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (r *Redis) CreateCrossChainPayment(ctx context.Context, ccp *meterpay.CrossChainPayment) error {
	now := time.Now().UTC()
	if ccp.CreatedAt.IsZero() {
		ccp.CreatedAt = now
	}
	ccp.UpdatedAt = now
	if err := r.setJSON(ctx, r.key("ccp", ccp.ID), ccp); err != nil {
		return err
	}
	if ccp.Status == meterpay.CrossChainPending {
		if err := r.rdb.SAdd(ctx, r.key("ccp", "pending"), ccp.ID).Err(); err != nil {
			return fmt.Errorf("redis sadd pending: %w", err)
		}
	}
	return nil
}

func (r *Redis) UpdateCrossChainPayment(ctx context.Context, ccp *meterpay.CrossChainPayment) error {
	ccp.UpdatedAt = time.Now().UTC()
	if err := r.setJSON(ctx, r.key("ccp", ccp.ID), ccp); err != nil {
		return err
	}
	pendingKey := r.key("ccp", "pending")
	if ccp.Status == meterpay.CrossChainPending {
		return r.rdb.SAdd(ctx, pendingKey, ccp.ID).Err()
	}
	return r.rdb.SRem(ctx, pendingKey, ccp.ID).Err()
}

func (r *Redis) ListPendingCrossChainPayments(ctx context.Context) ([]*meterpay.CrossChainPayment, error) {
	ids, err := r.rdb.SMembers(ctx, r.key("ccp", "pending")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers pending: %w", err)
	}
	out := make([]*meterpay.CrossChainPayment, 0, len(ids))
	for _, id := range ids {
		var cp meterpay.CrossChainPayment
		if err := r.getJSON(ctx, r.key("ccp", id), &cp); err != nil {
			if errors.Is(err, meterpay.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if cp.Status != meterpay.CrossChainPending {
			continue
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Redis) CreatePayment(ctx context.Context, p *meterpay.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	// SETNX on the call index is the uniqueness guarantee: the first writer
	// wins and every later attempt for the same call is rejected.
	ok, err := r.rdb.SetNX(ctx, r.key("payment", "call", p.APICallID), p.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx payment: %w", err)
	}
	if !ok {
		return meterpay.ErrPaymentExists
	}
	return r.setJSON(ctx, r.key("payment", p.ID), p)
}

func (r *Redis) GetSubscription(ctx context.Context, userID, agentID string) (*meterpay.Subscription, error) {
	var id string
	if err := r.getJSON(ctx, r.key("sub", "pair", userID, agentID), &id); err != nil {
		return nil, err
	}
	var s meterpay.Subscription
	if err := r.getJSON(ctx, r.key("sub", id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Redis) UpdateSubscriptionUsage(ctx context.Context, id string, freeTrial bool) error {
	return r.updateJSON(ctx, r.key("sub", id), func(data []byte) ([]byte, error) {
		var s meterpay.Subscription
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		if freeTrial {
			s.FreeTrialsUsed++
		} else {
			s.TotalPaidCalls++
		}
		s.UpdatedAt = time.Now().UTC()
		return json.Marshal(&s)
	})
}

func (r *Redis) LogAPICall(ctx context.Context, call *meterpay.APICall) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	if err := r.rdb.RPush(ctx, r.key("api_calls"), data).Err(); err != nil {
		return fmt.Errorf("redis rpush api_calls: %w", err)
	}
	return nil
}

// PutSubscription inserts or replaces a subscription row.
func (r *Redis) PutSubscription(ctx context.Context, s *meterpay.Subscription) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := r.setJSON(ctx, r.key("sub", s.ID), s); err != nil {
		return err
	}
	return r.setJSON(ctx, r.key("sub", "pair", s.UserID, s.AgentID), s.ID)
}

// PutAgent registers an agent in the directory.
func (r *Redis) PutAgent(ctx context.Context, a *meterpay.Agent) error {
	return r.setJSON(ctx, r.key("agent", a.ID), a)
}

// PutUser registers a user keyed by its API key.
func (r *Redis) PutUser(ctx context.Context, u *meterpay.User) error {
	return r.setJSON(ctx, r.key("user", "key", u.APIKey), u)
}

// AgentByID implements meterpay.AgentDirectory.
func (r *Redis) AgentByID(ctx context.Context, id string) (*meterpay.Agent, error) {
	var a meterpay.Agent
	if err := r.getJSON(ctx, r.key("agent", id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UserByAPIKey implements meterpay.UserDirectory.
func (r *Redis) UserByAPIKey(ctx context.Context, key string) (*meterpay.User, error) {
	var u meterpay.User
	if err := r.getJSON(ctx, r.key("user", "key", key), &u); err != nil {
		return nil, err
	}
	return &u, nil
}
