package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxSaveAttempts = 5

// RedisSnapshotter keeps one hash field per conversation under key and the
// active conversation id under key+":active". A save writes only the
// conversations this process changed and deletes only the ones it removed,
// merging messages with whatever another terminal stored meanwhile, so
// several terminals can share one conversation history.
type RedisSnapshotter struct {
	client    *redis.Client
	key       string
	activeKey string

	mu    sync.Mutex
	known map[string]revision // as this process last loaded or wrote them
}

type revision struct {
	updatedAt time.Time
	title     string
	messages  int
}

func revisionOf(c Conversation) revision {
	return revision{updatedAt: c.UpdatedAt, title: c.Title, messages: len(c.Messages)}
}

// NewRedisSnapshotter connects to addr lazily; the first Load or Save dials.
func NewRedisSnapshotter(addr, password, key string) *RedisSnapshotter {
	return &RedisSnapshotter{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		key:       key,
		activeKey: key + ":active",
		known:     map[string]revision{},
	}
}

// Load reads every stored conversation, newest first. A missing key is an
// empty snapshot.
func (r *RedisSnapshotter) Load(ctx context.Context) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	active, err := r.client.Get(ctx, r.activeKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("redis get %s: %w", r.activeKey, err)
	}

	convs := make([]Conversation, 0, len(fields))
	for id, raw := range fields {
		var c Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return Snapshot{}, fmt.Errorf("%w: conversation %s: %v", ErrCorruptSnapshot, id, err)
		}
		c.ID = id
		convs = append(convs, c)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = make(map[string]revision, len(convs))
	for _, c := range convs {
		r.known[c.ID] = revisionOf(c)
	}
	return Snapshot{Version: snapshotVersion, Conversations: convs, ActiveConversationID: active}, nil
}

// Save applies the changes since the last Load or Save inside a WATCH
// transaction, retrying when another writer touched the key first.
func (r *RedisSnapshotter) Save(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	local := make(map[string]Conversation, len(snap.Conversations))
	var changed []string
	for _, c := range snap.Conversations {
		local[c.ID] = c
		if rev, ok := r.known[c.ID]; !ok || rev != revisionOf(c) {
			changed = append(changed, c.ID)
		}
	}
	var removed []string
	for id := range r.known {
		if _, ok := local[id]; !ok {
			removed = append(removed, id)
		}
	}

	apply := func(tx *redis.Tx) error {
		values := make([]any, 0, 2*len(changed))
		if len(changed) > 0 {
			stored, err := tx.HMGet(ctx, r.key, changed...).Result()
			if err != nil {
				return err
			}
			for i, id := range changed {
				c := local[id]
				if raw, ok := stored[i].(string); ok {
					var other Conversation
					if json.Unmarshal([]byte(raw), &other) == nil {
						c = mergeConversation(c, other)
					}
				}
				data, err := json.Marshal(c)
				if err != nil {
					return fmt.Errorf("failed to marshal conversation: %w", err)
				}
				values = append(values, id, data)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(values) > 0 {
				pipe.HSet(ctx, r.key, values...)
			}
			if len(removed) > 0 {
				pipe.HDel(ctx, r.key, removed...)
			}
			if snap.ActiveConversationID == "" {
				pipe.Del(ctx, r.activeKey)
			} else {
				pipe.Set(ctx, r.activeKey, snap.ActiveConversationID, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err := r.client.Watch(ctx, apply, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis save %s: %w", r.key, err)
		}
		for _, id := range changed {
			r.known[id] = revisionOf(local[id])
		}
		for _, id := range removed {
			delete(r.known, id)
		}
		return nil
	}
	return fmt.Errorf("redis save %s: key kept changing after %d attempts", r.key, maxSaveAttempts)
}

// Close releases the connection pool.
func (r *RedisSnapshotter) Close() error {
	return r.client.Close()
}

// mergeConversation combines this process's copy of a conversation with the
// stored one. Messages are matched by id; ones only the other side has are
// slotted in by timestamp. The newer title wins.
func mergeConversation(local, stored Conversation) Conversation {
	out := cloneConversation(local)
	seen := make(map[string]bool, len(out.Messages))
	for _, m := range out.Messages {
		seen[m.ID] = true
	}
	added := false
	for _, m := range stored.Messages {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		out.Messages = append(out.Messages, cloneMessage(m))
		added = true
	}
	if added {
		sort.SliceStable(out.Messages, func(i, j int) bool {
			return out.Messages[i].Timestamp.Before(out.Messages[j].Timestamp)
		})
	}
	if stored.UpdatedAt.After(out.UpdatedAt) {
		out.Title = stored.Title
		out.UpdatedAt = stored.UpdatedAt
	}
	if !stored.CreatedAt.IsZero() && stored.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = stored.CreatedAt
	}
	return out
}
