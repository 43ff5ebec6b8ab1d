package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// 顺序节点计数器的 Key 前缀
// 树上的 key 都以 "/" 开头，计数器不会出现在 children 里
const sequencePrefix = "seq:"

type EtcdConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	SessionTimeout time.Duration // 租约 TTL，心跳超时
	TLS            *tls.Config
	Logger         *zap.Logger
}

// EtcdTree 把树形命名空间映射到 etcd key 上
// 节点 = 同名 key，临时节点挂在 session 租约上，节点版本 = key version - 1
type EtcdTree struct {
	client *clientv3.Client
	logger *zap.Logger
	ttl    int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	session   *concurrency.Session
	listener  StateListener
	lastState SessionState
	closed    bool
}

var _ Tree = (*EtcdTree)(nil)

// NewEtcdTree 初始化 Etcd 连接并打开 session
// DialTimeout 内拿不到租约就返回错误
func NewEtcdTree(ctx context.Context, cfg EtcdConfig) (*EtcdTree, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	ttl := int(math.Ceil(cfg.SessionTimeout.Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	t := &EtcdTree{
		client: cli,
		logger: logger,
		ttl:    ttl,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	grantCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	session, err := t.newSession(grantCtx)
	if err != nil {
		t.cancel()
		cli.Close()
		return nil, err
	}
	t.session = session

	go t.watchConnectivity()
	go t.watchSession()
	return t, nil
}

// newSession 申请租约用调用方的 ctx，续约用 tree 自己的 ctx
func (t *EtcdTree) newSession(ctx context.Context) (*concurrency.Session, error) {
	lease, err := t.client.Grant(ctx, int64(t.ttl))
	if err != nil {
		return nil, fmt.Errorf("grant session lease: %w", err)
	}
	session, err := concurrency.NewSession(t.client,
		concurrency.WithLease(lease.ID),
		concurrency.WithTTL(t.ttl),
		concurrency.WithContext(t.ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return session, nil
}

func (t *EtcdTree) lease() clientv3.LeaseID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Lease()
}

// ---------------------------------------------------------
// 节点操作
// ---------------------------------------------------------

func (t *EtcdTree) Create(ctx context.Context, p string, data []byte, mode CreateMode) (string, error) {
	check := p
	if mode.Sequential() {
		check = strings.TrimSuffix(p, "/")
	}
	if err := validatePath(check); err != nil {
		return "", err
	}
	parent := Parent(p)
	if err := t.ensureParents(ctx, parent); err != nil {
		return "", err
	}

	var opts []clientv3.OpOption
	if mode.Ephemeral() {
		opts = append(opts, clientv3.WithLease(t.lease()))
	}

	if !mode.Sequential() {
		resp, err := t.client.Txn(ctx).If(
			clientv3.Compare(clientv3.CreateRevision(p), "=", 0),
		).Then(
			clientv3.OpPut(p, string(data), opts...),
		).Commit()
		if err != nil {
			return "", fmt.Errorf("create %s: %w", p, err)
		}
		if !resp.Succeeded {
			return "", fmt.Errorf("create %s: %w", p, ErrNodeExists)
		}
		return p, nil
	}

	// 计数器 key 的 version 就是下一个序号，抢输了就换下一个
	counter := sequencePrefix + parent
	for {
		resp, err := t.client.Get(ctx, counter)
		if err != nil {
			return "", fmt.Errorf("read sequence of %s: %w", parent, err)
		}
		var seq int64
		if len(resp.Kvs) > 0 {
			seq = resp.Kvs[0].Version
		}
		actual := sequenceName(p, seq)
		txn, err := t.client.Txn(ctx).If(
			clientv3.Compare(clientv3.Version(counter), "=", seq),
			clientv3.Compare(clientv3.CreateRevision(actual), "=", 0),
		).Then(
			clientv3.OpPut(counter, ""),
			clientv3.OpPut(actual, string(data), opts...),
		).Commit()
		if err != nil {
			return "", fmt.Errorf("create %s: %w", actual, err)
		}
		if txn.Succeeded {
			return actual, nil
		}
	}
}

// ensureParents 补齐缺失的父节点 (空的持久节点)
func (t *EtcdTree) ensureParents(ctx context.Context, dir string) error {
	var ops []clientv3.Op
	for ; dir != "/"; dir = Parent(dir) {
		resp, err := t.client.Get(ctx, dir, clientv3.WithKeysOnly())
		if err != nil {
			return fmt.Errorf("check parent %s: %w", dir, err)
		}
		if len(resp.Kvs) > 0 {
			break
		}
		ops = append(ops, clientv3.OpPut(dir, ""))
	}
	for i := len(ops) - 1; i >= 0; i-- {
		key := string(ops[i].KeyBytes())
		// 别人同时建了也没关系
		if _, err := t.client.Txn(ctx).If(
			clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
		).Then(ops[i]).Commit(); err != nil {
			return fmt.Errorf("create parent %s: %w", key, err)
		}
	}
	return nil
}

func (t *EtcdTree) Get(ctx context.Context, p string) ([]byte, *Stat, error) {
	resp, err := t.client.Get(ctx, p)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, fmt.Errorf("get %s: %w", p, ErrNoNode)
	}
	kv := resp.Kvs[0]
	stat := statOf(kv.Version, kv.Lease)
	return kv.Value, &stat, nil
}

func (t *EtcdTree) Set(ctx context.Context, p string, data []byte, version int64) (*Stat, error) {
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(p), ">", 0)}
	if version != AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(p), "=", version+1))
	}
	resp, err := t.client.Txn(ctx).If(cmps...).Then(
		clientv3.OpPut(p, string(data), clientv3.WithIgnoreLease()),
		clientv3.OpGet(p, clientv3.WithKeysOnly()),
	).Else(
		clientv3.OpGet(p, clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", p, err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
			return nil, fmt.Errorf("set %s: %w", p, ErrNoNode)
		}
		return nil, fmt.Errorf("set %s at version %d: %w", p, version, ErrBadVersion)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return nil, fmt.Errorf("set %s: %w", p, ErrNoNode)
	}
	stat := statOf(kvs[0].Version, kvs[0].Lease)
	return &stat, nil
}

func (t *EtcdTree) Delete(ctx context.Context, p string, recursive bool) error {
	if p == "/" {
		return fmt.Errorf("delete %s: root cannot be removed", p)
	}
	if !recursive {
		resp, err := t.client.Get(ctx, p+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		if resp.Count > 0 {
			return fmt.Errorf("delete %s: %w", p, ErrNotEmpty)
		}
	}
	ops := []clientv3.Op{
		clientv3.OpDelete(p),
		clientv3.OpDelete(sequencePrefix + p),
	}
	if recursive {
		ops = append(ops,
			clientv3.OpDelete(p+"/", clientv3.WithPrefix()),
			clientv3.OpDelete(sequencePrefix+p+"/", clientv3.WithPrefix()),
		)
	}
	resp, err := t.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(p), ">", 0),
	).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("delete %s: %w", p, ErrNoNode)
	}
	return nil
}

func (t *EtcdTree) Exists(ctx context.Context, p string) (*Stat, error) {
	if p == "/" {
		return &Stat{}, nil
	}
	resp, err := t.client.Get(ctx, p, clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("exists %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	stat := statOf(resp.Kvs[0].Version, resp.Kvs[0].Lease)
	return &stat, nil
}

func (t *EtcdTree) Children(ctx context.Context, p string) ([]string, error) {
	prefix := childPrefix(p)
	resp, err := t.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		stat, err := t.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if stat == nil {
			return nil, fmt.Errorf("children of %s: %w", p, ErrNoNode)
		}
	}

	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, kv := range resp.Kvs {
		name, _, _ := strings.Cut(strings.TrimPrefix(string(kv.Key), prefix), "/")
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}

// ---------------------------------------------------------
// Watch
// ---------------------------------------------------------

// watchedKey 是 watch 最后一次看到的 key 状态，断线重连后用来补发事件
type watchedKey struct {
	data      []byte
	version   int64
	lease     int64
	createRev int64
	modRev    int64
}

// resyncDelay 重新同步失败后的等待时间
const resyncDelay = time.Second

// Watch 把 etcd 的 watch 转成树事件，启动一个协程在后台一直监听
// etcd 取消 watch 时 (compaction、换 leader)，重新读一遍当前状态，
// 把差异作为事件补发，再从这次读的 revision 接着 watch
// 只有 ctx 结束或 tree 关闭时 channel 才会关闭
func (t *EtcdTree) Watch(ctx context.Context, p string, kind WatchKind) (<-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)

	known, watchChan, err := t.startWatch(ctx, p, kind)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}

	eventChan := make(chan Event)
	go func() {
		defer close(eventChan)
		defer stop()
		defer cancel()

		emit := func(ev Event) bool {
			select {
			case eventChan <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			for watchResp := range watchChan {
				if err := watchResp.Err(); err != nil {
					t.logger.Warn("watch interrupted, resyncing", zap.String("path", p), zap.Error(err))
					break
				}
				for _, ev := range watchResp.Events {
					remember(known, kind, ev)
					if out, ok := translate(p, kind, ev); ok && !emit(out) {
						return
					}
				}
			}

			// 断开了，重新读一遍再接着 watch
			for {
				if ctx.Err() != nil {
					return
				}
				current, next, err := t.startWatch(ctx, p, kind)
				if err == nil {
					for _, ev := range resyncEvents(p, kind, known, current) {
						if !emit(ev) {
							return
						}
					}
					known, watchChan = current, next
					break
				}
				t.logger.Warn("failed to resync watch", zap.String("path", p), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(resyncDelay):
				}
			}
		}
	}()

	return eventChan, nil
}

// startWatch 先读再从读到的 revision+1 开始 watch，中间不会漏事件
func (t *EtcdTree) startWatch(ctx context.Context, p string, kind WatchKind) (map[string]watchedKey, clientv3.WatchChan, error) {
	key, opts := p, []clientv3.OpOption(nil)
	if kind != WatchData {
		key, opts = childPrefix(p), []clientv3.OpOption{clientv3.WithPrefix()}
	}
	getOpts := opts
	if kind == WatchChildren {
		getOpts = append(getOpts, clientv3.WithKeysOnly())
	}
	resp, err := t.client.Get(ctx, key, getOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", p, err)
	}
	known := make(map[string]watchedKey, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		known[string(kv.Key)] = watchedKey{
			data:      kv.Value,
			version:   kv.Version,
			lease:     kv.Lease,
			createRev: kv.CreateRevision,
			modRev:    kv.ModRevision,
		}
	}

	// 等 created 通知，Watch 返回之后的修改一定能收到
	opts = append(opts, clientv3.WithRev(resp.Header.Revision+1), clientv3.WithCreatedNotify())
	watchChan := t.client.Watch(ctx, key, opts...)
	select {
	case created, ok := <-watchChan:
		if !ok {
			return nil, nil, fmt.Errorf("watch %s: %w", p, ErrClosed)
		}
		if err := created.Err(); err != nil {
			return nil, nil, fmt.Errorf("watch %s: %w", p, err)
		}
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return known, watchChan, nil
}

func remember(known map[string]watchedKey, kind WatchKind, ev *clientv3.Event) {
	key := string(ev.Kv.Key)
	if ev.Type == clientv3.EventTypeDelete {
		delete(known, key)
		return
	}
	w := watchedKey{
		version:   ev.Kv.Version,
		lease:     ev.Kv.Lease,
		createRev: ev.Kv.CreateRevision,
		modRev:    ev.Kv.ModRevision,
	}
	if kind != WatchChildren {
		w.data = ev.Kv.Value
	}
	known[key] = w
}

// resyncEvents 对比断线前后的状态，生成补发的事件
func resyncEvents(root string, kind WatchKind, before, after map[string]watchedKey) []Event {
	if kind == WatchChildren {
		for key := range before {
			if _, ok := after[key]; !ok && isChildOf(key, root) {
				return []Event{{Type: EventChildrenChanged, Path: root}}
			}
		}
		for key := range after {
			if _, ok := before[key]; !ok && isChildOf(key, root) {
				return []Event{{Type: EventChildrenChanged, Path: root}}
			}
		}
		return nil
	}

	keys := make([]string, 0, len(before)+len(after))
	for key := range before {
		keys = append(keys, key)
	}
	for key := range after {
		if _, ok := before[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var events []Event
	for _, key := range keys {
		if kind == WatchData && key != root || kind == WatchTree && !isBelow(key, root) {
			continue
		}
		old, had := before[key]
		cur, has := after[key]
		created := Event{Type: EventCreated, Path: key, Data: cur.data, Stat: statOf(cur.version, cur.lease)}
		switch {
		case had && !has:
			events = append(events, Event{Type: EventDeleted, Path: key})
		case !had && has:
			events = append(events, created)
		case old.createRev != cur.createRev:
			events = append(events, Event{Type: EventDeleted, Path: key}, created)
		case old.modRev != cur.modRev:
			created.Type = EventDataChanged
			events = append(events, created)
		}
	}
	return events
}

func translate(root string, kind WatchKind, ev *clientv3.Event) (Event, bool) {
	key := string(ev.Kv.Key)
	out := Event{Path: key}
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		out.Type = EventDeleted
	case ev.IsCreate():
		out.Type = EventCreated
	default:
		out.Type = EventDataChanged
	}
	if out.Type != EventDeleted {
		out.Data = ev.Kv.Value
		out.Stat = statOf(ev.Kv.Version, ev.Kv.Lease)
	}

	switch kind {
	case WatchChildren:
		if out.Type == EventDataChanged || !isChildOf(key, root) {
			return Event{}, false
		}
		return Event{Type: EventChildrenChanged, Path: root}, true
	case WatchTree:
		return out, isBelow(key, root)
	}
	return out, key == root
}

// ---------------------------------------------------------
// Session 状态
// ---------------------------------------------------------

func (t *EtcdTree) SetStateListener(fn StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = fn
}

func (t *EtcdTree) notify(state SessionState) {
	t.mu.Lock()
	if state == t.lastState && state != StateLost {
		t.mu.Unlock()
		return
	}
	t.lastState = state
	fn := t.listener
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// watchConnectivity 跟踪 gRPC 连接状态
// 非 READY 就算 SUSPENDED，直到连接恢复或者租约过期
func (t *EtcdTree) watchConnectivity() {
	conn := t.client.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(t.ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.Ready:
			t.notify(StateConnected)
		case connectivity.Shutdown:
			return
		default:
			t.notify(StateSuspended)
		}
	}
}

// watchSession 租约过期时上报 LOST，然后一直重试建新 session
// 旧 session 的临时节点已经没了
func (t *EtcdTree) watchSession() {
	for {
		t.mu.Lock()
		session := t.session
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return
		case <-session.Done():
		}
		if t.ctx.Err() != nil {
			return
		}
		t.notify(StateLost)

		for {
			grantCtx, cancel := context.WithTimeout(t.ctx, time.Duration(t.ttl)*time.Second)
			fresh, err := t.newSession(grantCtx)
			cancel()
			if err == nil {
				t.mu.Lock()
				t.session = fresh
				t.mu.Unlock()
				t.notify(StateConnected)
				break
			}
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("failed to re-establish session", zap.Error(err))
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Close 撤销租约 (临时节点随之删除)，再关闭客户端
func (t *EtcdTree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	session := t.session
	t.mu.Unlock()

	err := session.Close()
	t.cancel()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// ---------------------------------------------------------
// 工具函数
// ---------------------------------------------------------

func statOf(version int64, lease int64) Stat {
	return Stat{Version: version - 1, Ephemeral: lease != 0}
}

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}
