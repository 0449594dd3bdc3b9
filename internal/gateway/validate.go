// SSRF path validation.
//
// DESIGN: The upstream hosts are fixed by configuration, so the only
// attacker-controlled part of an outbound request is the path. Rejecting
// anything that is not a plain relative path, plus requiring an exact
// allow-list match for HTTP proxying, closes path-confusion and request
// smuggling without needing a full URL allow-list. Validation always runs
// before any outbound call is issued.
package gateway

import (
	"fmt"
	"strings"
)

// checkPathShape enforces the structural constraints shared by HTTP and
// WebSocket validation: a well-formed relative path with no scheme, no
// embedded host and no parent-directory traversal.
func checkPathShape(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty path")
	case strings.Contains(path, "://"):
		return fmt.Errorf("path contains a scheme")
	case !strings.HasPrefix(path, "/"):
		return fmt.Errorf("path is not relative to the server root")
	case strings.HasPrefix(path, "//"):
		return fmt.Errorf("path embeds a host")
	case strings.Contains(path, ".."):
		return fmt.Errorf("path contains parent-directory traversal")
	case strings.Contains(path, "\\"):
		return fmt.Errorf("path contains a backslash")
	}
	return nil
}

// ValidateProxyPath validates a full inbound HTTP path before forwarding.
// The backend-relative portion must match a declared route exactly.
func (c *Classifier) ValidateProxyPath(path string) error {
	if err := checkPathShape(path); err != nil {
		return err
	}
	backendPath := strings.TrimPrefix(path, c.apiPrefix)
	if !c.allowed[backendPath] {
		return fmt.Errorf("path %q is not an allowed proxy route", backendPath)
	}
	return nil
}

// ValidateUpgradePath validates a WebSocket upgrade path. The query string
// is ignored; the structural checks still apply.
func (c *Classifier) ValidateUpgradePath(path string) error {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return checkPathShape(path)
}
