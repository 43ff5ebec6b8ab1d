package model

import "slices"

// Launcher 注册上来的节点提供方
type Launcher struct {
	ID              string   `json:"id"`
	SupportedLabels []string `json:"supported_labels"`
}

func (l *Launcher) Supports(label string) bool {
	return slices.Contains(l.SupportedLabels, label)
}

// SupportsAll 请求里的每个 label 都能提供
func (l *Launcher) SupportsAll(labels []string) bool {
	for _, label := range labels {
		if !l.Supports(label) {
			return false
		}
	}
	return true
}
