package model

import (
	"time"

	"gatekeeper/pkg/store"
)

type NodeRequestState string

const (
	RequestRequested NodeRequestState = "requested" // 等待 launcher 接单
	RequestPending   NodeRequestState = "pending"   // launcher 正在创建节点
	RequestFulfilled NodeRequestState = "fulfilled" // 节点已就绪并已加锁
	RequestFailed    NodeRequestState = "failed"    // 所有 launcher 都拒绝了
)

// NodeRequest 向 launcher 申请一组节点
// 存在临时节点里，调度器 session 断了请求也就没了
type NodeRequest struct {
	// 服务端分配的节点名 "{priority:03}-{seq}"
	ID string `json:"-"`

	Priority         int              `json:"priority"`
	RelativePriority int              `json:"relative_priority"`
	State            NodeRequestState `json:"state"`
	StateTime        time.Time        `json:"state_time"`
	CreatedTime      time.Time        `json:"created_time"`

	NodeTypes  []string `json:"node_types"` // 每个节点一个 label
	Nodes      []string `json:"nodes"`      // launcher 填，顺序同 NodeTypes
	DeclinedBy []string `json:"declined_by"`

	Requestor    string `json:"requestor"`
	Tenant       string `json:"tenant_name,omitempty"`
	JobName      string `json:"job_name,omitempty"`
	BuildSetUUID string `json:"build_set_uuid,omitempty"`

	Lock *store.Lock `json:"-"` // 本进程持有锁时不为空
}

// Fulfilled 所有节点都交付了
func (r *NodeRequest) Fulfilled() bool {
	return r.State == RequestFulfilled && len(r.Nodes) == len(r.NodeTypes)
}

func (r *NodeRequest) Done() bool {
	return r.State == RequestFulfilled || r.State == RequestFailed
}

// Copy 深拷贝，不带锁
func (r *NodeRequest) Copy() *NodeRequest {
	out := *r
	out.NodeTypes = append([]string(nil), r.NodeTypes...)
	out.Nodes = append([]string(nil), r.Nodes...)
	out.DeclinedBy = append([]string(nil), r.DeclinedBy...)
	out.Lock = nil
	return &out
}
