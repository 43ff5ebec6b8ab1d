package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"gatekeeper/pkg/store"
)

// MaxShardSize is the largest shard written: the default node size limit
// of the coordination service minus a safety margin for metadata.
const MaxShardSize = 1048576 - 102400

// ConfigKey addresses one unparsed configuration file.
type ConfigKey struct {
	Tenant  string
	Project string
	Branch  string
	Path    string
}

func (k ConfigKey) path() string {
	return store.Join(configRoot, escape(k.Tenant), escape(k.Project), escape(k.Branch), escape(k.Path))
}

// ConfigStore keeps unparsed configuration split into shards small enough
// for single nodes.
//
// Save and Load do not lock. Writers must hold the tenant's write lock
// (Lock) and readers its read lock (RLock) around them.
type ConfigStore struct {
	c   *Coordinator
	log *zap.Logger
}

// Lock takes the tenant's configuration write lock.
func (s *ConfigStore) Lock(ctx context.Context, tenant string, opts AcquireOptions) (*LockHandle, error) {
	return s.c.locks.Acquire(ctx, store.Join(configLockRoot, escape(tenant)), store.Exclusive, opts)
}

// RLock takes the tenant's configuration read lock.
func (s *ConfigStore) RLock(ctx context.Context, tenant string, opts AcquireOptions) (*LockHandle, error) {
	return s.c.locks.Acquire(ctx, store.Join(configLockRoot, escape(tenant)), store.Shared, opts)
}

// Save replaces the stored content with data. Nothing is written when
// the content is unchanged. Empty data removes the entry.
func (s *ConfigStore) Save(ctx context.Context, key ConfigKey, data []byte) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	p := key.path()

	current, exists, err := s.load(ctx, tree, p)
	if err != nil {
		return err
	}
	if exists == (len(data) > 0) && bytes.Equal(current, data) {
		return nil
	}

	if exists {
		shards, err := tree.Children(ctx, p)
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("list config shards of %s: %w", p, err)
		}
		for _, shard := range shards {
			err := tree.Delete(ctx, store.Join(p, shard), true)
			if err != nil && !errors.Is(err, store.ErrNoNode) {
				return fmt.Errorf("delete config shard %s/%s: %w", p, shard, err)
			}
		}
	}

	if len(data) == 0 {
		if exists {
			if err := tree.Delete(ctx, p, true); err != nil && !errors.Is(err, store.ErrNoNode) {
				return fmt.Errorf("delete config %s: %w", p, err)
			}
		}
		return nil
	}

	for i, start := 0, 0; start < len(data); i, start = i+1, start+MaxShardSize {
		end := min(start+MaxShardSize, len(data))
		if _, err := tree.Create(ctx, store.Join(p, strconv.Itoa(i)), data[start:end], store.ModePersistent); err != nil {
			return fmt.Errorf("write config shard %d of %s: %w", i, p, err)
		}
		configShardWrites.Inc()
	}
	s.log.Debug("saved config",
		zap.String("tenant", key.Tenant),
		zap.String("project", key.Project),
		zap.String("branch", key.Branch),
		zap.String("path", key.Path),
		zap.Int("bytes", len(data)))
	return nil
}

// Load returns the stored content and whether the entry exists.
func (s *ConfigStore) Load(ctx context.Context, key ConfigKey) ([]byte, bool, error) {
	tree, err := s.c.tree()
	if err != nil {
		return nil, false, err
	}
	return s.load(ctx, tree, key.path())
}

func (s *ConfigStore) load(ctx context.Context, tree store.Tree, p string) ([]byte, bool, error) {
	names, err := tree.Children(ctx, p)
	if errors.Is(err, store.ErrNoNode) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("list config shards of %s: %w", p, err)
	}
	shards, err := sortShards(names)
	if err != nil {
		return nil, false, fmt.Errorf("config %s: %w", p, err)
	}

	var buf bytes.Buffer
	for _, name := range shards {
		data, _, err := tree.Get(ctx, store.Join(p, name))
		if err != nil {
			return nil, false, fmt.Errorf("read config shard %s/%s: %w", p, name, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), true, nil
}

// sortShards orders shard names by their numeric index; the listing order
// of the service is arbitrary.
func sortShards(names []string) ([]string, error) {
	type shard struct {
		name  string
		index int
	}
	shards := make([]shard, 0, len(names))
	for _, name := range names {
		index, err := strconv.Atoi(name)
		if err != nil {
			return nil, fmt.Errorf("unexpected shard name %q", name)
		}
		shards = append(shards, shard{name: name, index: index})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].index < shards[j].index })

	out := make([]string, len(shards))
	for i, sh := range shards {
		out[i] = sh.name
	}
	return out, nil
}

// Delete removes the entry with all its shards.
func (s *ConfigStore) Delete(ctx context.Context, key ConfigKey) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	err = tree.Delete(ctx, key.path(), true)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("delete config %s: %w", key.path(), err)
	}
	return nil
}

// Projects lists the projects with stored configuration for a tenant.
func (s *ConfigStore) Projects(ctx context.Context, tenant string) ([]string, error) {
	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	names, err := tree.Children(ctx, store.Join(configRoot, escape(tenant)))
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list config projects of %s: %w", tenant, err)
	}
	projects := make([]string, len(names))
	for i, name := range names {
		projects[i] = unescape(name)
	}
	sort.Strings(projects)
	return projects, nil
}
