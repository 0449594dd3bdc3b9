package config

// TargetKind says which upstream a declared route forwards to.
type TargetKind string

const (
	// TargetBackend forwards to the agent backend.
	TargetBackend TargetKind = "backend"
	// TargetDevServer forwards to the internal dev server.
	TargetDevServer TargetKind = "dev_server"
)

// RouteEntry declares one proxied route, relative to the API prefix.
// The set of declared routes doubles as the SSRF allow-list: a backend-relative
// path that matches no entry is refused before any upstream call.
type RouteEntry struct {
	Name   string     `yaml:"name"`
	Path   string     `yaml:"path"`
	Target TargetKind `yaml:"target"`
}

// Core route names. These have dedicated response processors.
const (
	RouteChat           = "chat"
	RouteChatStream     = "chat-stream"
	RouteGenerate       = "generate"
	RouteGenerateStream = "generate-stream"
	RouteWorkflowCall   = "workflow-call"
	RouteWorkflowInit   = "workflow-init"
)

// CoreRoutes are the four generation endpoints with bespoke processors.
func CoreRoutes() []RouteEntry {
	return []RouteEntry{
		{Name: RouteChat, Path: "/chat", Target: TargetBackend},
		{Name: RouteChatStream, Path: "/chat/stream", Target: TargetBackend},
		{Name: RouteGenerate, Path: "/generate", Target: TargetBackend},
		{Name: RouteGenerateStream, Path: "/generate/stream", Target: TargetBackend},
	}
}

// ExtendedRoutes are additional declared routes. The workflow call route is
// init-gated and processed; the rest proxy transparently to their target.
func ExtendedRoutes() []RouteEntry {
	return []RouteEntry{
		{Name: RouteWorkflowCall, Path: "/workflow/call", Target: TargetBackend},
		{Name: RouteWorkflowInit, Path: "/workflow/init", Target: TargetBackend},
		{Name: "datastream-update", Path: "/datastream/update", Target: TargetBackend},
		{Name: "feedback", Path: "/feedback", Target: TargetDevServer},
	}
}
