package coordinator

import (
	"fmt"
	"net/url"

	"gatekeeper/pkg/store"
)

// Path layout shared with the launchers and the rest of the system.
const (
	requestRoot     = "/nodepool/requests"
	requestLockRoot = "/nodepool/requests-lock"
	nodeRoot        = "/nodepool/nodes"
	launcherRoot    = "/nodepool/launchers"

	holdRequestRoot = "/zuul/hold-requests"
	configRoot      = "/zuul/config"
	configLockRoot  = "/zuul/locks/config"
	layoutLockPath  = "/zuul/locks/layout"
	layoutHashRoot  = "/zuul/layout/_hashes_"
	eventRoot       = "/zuul/events/connection"
)

// escape makes a caller supplied name safe to use as one path component.
func escape(name string) string {
	return url.QueryEscape(name)
}

func unescape(component string) string {
	if s, err := url.QueryUnescape(component); err == nil {
		return s
	}
	return component
}

func requestPrefix(priority int) string {
	return fmt.Sprintf("%s/%03d-", requestRoot, priority)
}

func requestPath(id string) string     { return store.Join(requestRoot, id) }
func requestLockPath(id string) string { return store.Join(requestLockRoot, id) }
func nodePath(id string) string        { return store.Join(nodeRoot, id) }
func nodeLockPath(id string) string    { return store.Join(nodeRoot, id, "lock") }
func holdRequestPath(id string) string { return store.Join(holdRequestRoot, id) }
func holdLockPath(id string) string    { return store.Join(holdRequestRoot, id, "lock") }
