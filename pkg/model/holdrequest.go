package model

import (
	"strings"

	"gatekeeper/pkg/store"
)

// HeldBuild 一次构建保留下来的节点
type HeldBuild struct {
	Build string   `json:"build"`
	Nodes []string `json:"nodes"`
}

// HoldRequest 运维设置的 autohold
// 匹配的 Job 失败后，节点进入 hold 状态，不回收
type HoldRequest struct {
	ID string `json:"-"`

	Tenant    string `json:"tenant"`
	Project   string `json:"project"`
	Job       string `json:"job"`
	RefFilter string `json:"ref_filter"`
	Reason    string `json:"reason"`

	MaxCount       int   `json:"max_count"`
	CurrentCount   int   `json:"current_count"`
	NodeExpiration int   `json:"node_expiration"`    // 保留秒数
	Expired        int64 `json:"expired,omitempty"` // 达到 MaxCount 的时间 (unix)，0 表示还没到

	Nodes []HeldBuild `json:"nodes"`

	// 最近一次读写时的节点元数据
	Stat *store.Stat `json:"-"`
	Lock *store.Lock `json:"-"`
}

// Key (tenant, project, job)
func (h *HoldRequest) Key() []string {
	return []string{h.Tenant, h.Project, h.Job}
}

func (h *HoldRequest) NodeIDs() []string {
	var ids []string
	for _, b := range h.Nodes {
		ids = append(ids, b.Nodes...)
	}
	return ids
}

// HoldJobIdentifier 写到 Node.HoldJob 里的值
func HoldJobIdentifier(key []string) string {
	return strings.Join(key, " ")
}
