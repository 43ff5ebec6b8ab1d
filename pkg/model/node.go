package model

import (
	"encoding/json"
	"time"

	"gatekeeper/pkg/store"
)

// NodeState 测试节点的生命周期状态
type NodeState string

const (
	NodeBuilding NodeState = "building"
	NodeReady    NodeState = "ready"
	NodeInUse    NodeState = "in-use"
	NodeUsed     NodeState = "used" // 用完了，等 launcher 删除
	NodeHold     NodeState = "hold" // 留给人工排查
	NodeDeleting NodeState = "deleting"
)

// Node 测试节点记录，归 launcher 所有
// 这里只改少数几个字段，其余字段原样保存在 extra 里，写回时不动
type Node struct {
	ID string `json:"-"`

	State       NodeState `json:"state"`
	StateTime   time.Time `json:"state_time"`
	CreatedTime time.Time `json:"created_time,omitzero"`

	Label       string `json:"label"`
	Provider    string `json:"provider"`
	InterfaceIP string `json:"interface_ip,omitempty"`
	AllocatedTo string `json:"allocated_to,omitempty"`

	HoldJob        string `json:"hold_job,omitempty"` // autohold 标识，key 用空格拼接
	HoldExpiration int    `json:"hold_expiration,omitempty"`
	Comment        string `json:"comment,omitempty"`

	Lock *store.Lock `json:"-"`

	extra map[string]json.RawMessage
}

type plainNode Node

func (n *Node) UnmarshalJSON(b []byte) error {
	var p plainNode
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	known, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(all, k)
	}
	// omitempty 的字段即使为空也算已知字段
	for _, k := range []string{"created_time", "interface_ip", "allocated_to", "hold_job", "hold_expiration", "comment"} {
		delete(all, k)
	}

	id, lock := n.ID, n.Lock
	*n = Node(p)
	n.ID, n.Lock = id, lock
	if len(all) > 0 {
		n.extra = all
	}
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(plainNode(n))
	if err != nil || len(n.extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range n.extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Extra 取没有建模的字段
func (n *Node) Extra(key string) (json.RawMessage, bool) {
	v, ok := n.extra[key]
	return v, ok
}
