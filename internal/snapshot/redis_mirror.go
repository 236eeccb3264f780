package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// redisMirror write-throughs ProjectSnapshots to Redis under a namespaced
// key, JSON-encoded, so a freshly started gateway instance can warm its
// local cache without re-deriving every project's configuration.
type redisMirror struct {
	client *redis.Client
}

func snapshotKey(projectID string) string { return fmt.Sprintf("snapshot:%s", projectID) }

func (m *redisMirror) save(ctx context.Context, projectID string, snap *ProjectSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal %q: %w", projectID, err)
	}
	return m.client.Set(ctx, snapshotKey(projectID), data, 0).Err()
}

func (m *redisMirror) load(ctx context.Context, projectID string) (*ProjectSnapshot, error) {
	data, err := m.client.Get(ctx, snapshotKey(projectID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap ProjectSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal %q: %w", projectID, err)
	}
	return &snap, nil
}

func (m *redisMirror) ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
