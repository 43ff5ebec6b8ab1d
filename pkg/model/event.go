package model

// ConnectionEvent 代码评审系统 / webhook 收到的原始事件，排队等调度器处理
type ConnectionEvent struct {
	ID      string         `json:"-"` // 队列节点名，Ack 时要用
	Payload map[string]any `json:"payload"`
}
