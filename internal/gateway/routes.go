// Route classification for the dev gateway.
//
// DESIGN: Every inbound path is classified exactly once into a tagged
// decision, so the dispatch loop has a single switch instead of nested
// conditionals:
//   - DecideDevServer:   Not under the API prefix; transparent dev-server proxy
//   - DecideProcessor:   A core generation route (or the init-gated workflow
//     call) with a bespoke response processor
//   - DecidePassthrough: A declared extended route, or any other prefixed
//     path, forwarded byte-for-byte to its target
//
// Classification never errors: unknown prefixed paths fall through to the
// backend passthrough case and are stopped by the allow-list validator
// instead, which is the actual security gate.
package gateway

import (
	"strings"

	"github.com/agentchat/dev-gateway/internal/config"
)

// DecisionKind tags a routing decision.
type DecisionKind int

const (
	// DecideDevServer forwards the request untouched to the internal dev server.
	DecideDevServer DecisionKind = iota
	// DecideProcessor runs a per-route payload builder and response processor.
	DecideProcessor
	// DecidePassthrough forwards the request verbatim to the decided target.
	DecidePassthrough
)

// Decision is the outcome of classifying one request path.
type Decision struct {
	Kind        DecisionKind
	Route       config.RouteEntry // valid for Processor and declared Passthrough
	BackendPath string            // prefix-stripped path; empty for DecideDevServer
}

// Classifier maps request paths to routing decisions against the declared
// route table. It is immutable after construction.
type Classifier struct {
	apiPrefix string
	wsPath    string
	core      map[string]config.RouteEntry
	extended  map[string]config.RouteEntry
	allowed   map[string]bool
}

func newClassifier(cfg *config.Config) *Classifier {
	c := &Classifier{
		apiPrefix: cfg.Proxy.APIPrefix,
		wsPath:    cfg.Proxy.WSPrefix,
		core:      make(map[string]config.RouteEntry),
		extended:  make(map[string]config.RouteEntry),
		allowed:   make(map[string]bool),
	}
	for _, rt := range config.CoreRoutes() {
		c.core[rt.Path] = rt
		c.allowed[rt.Path] = true
	}
	for _, rt := range config.ExtendedRoutes() {
		c.extended[rt.Path] = rt
		c.allowed[rt.Path] = true
	}
	return c
}

// Classify determines the disposition of a request path.
func (c *Classifier) Classify(path string) Decision {
	if !strings.HasPrefix(path, c.apiPrefix+"/") && path != c.apiPrefix {
		return Decision{Kind: DecideDevServer}
	}

	backendPath := strings.TrimPrefix(path, c.apiPrefix)

	if rt, ok := c.core[backendPath]; ok {
		return Decision{Kind: DecideProcessor, Route: rt, BackendPath: backendPath}
	}
	if rt, ok := c.extended[backendPath]; ok {
		// The workflow call route is init-gated and has its own processor;
		// the remaining extended routes proxy transparently.
		if rt.Name == config.RouteWorkflowCall {
			return Decision{Kind: DecideProcessor, Route: rt, BackendPath: backendPath}
		}
		return Decision{Kind: DecidePassthrough, Route: rt, BackendPath: backendPath}
	}

	// Unmatched prefixed paths default to the backend; the allow-list
	// validator decides whether they ever leave the process.
	return Decision{
		Kind:        DecidePassthrough,
		Route:       config.RouteEntry{Target: config.TargetBackend},
		BackendPath: backendPath,
	}
}

// Allowed reports whether a backend-relative path is in the declared
// allow-list.
func (c *Classifier) Allowed(backendPath string) bool {
	return c.allowed[backendPath]
}

// MatchesWSPath reports whether an upgrade path targets the configured
// WebSocket proxy path, ignoring any query string.
func (c *Classifier) MatchesWSPath(path string) bool {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path == c.wsPath
}
