package statechart

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/statecraftio/statecraft/pkg/core"
	"github.com/valyala/fasthttp"
)

// Orchestrator is the slice of pkg/orchestrator.Orchestrator's behavior
// AdminServer depends on. Declared here rather than imported to avoid a
// cycle: pkg/orchestrator already imports pkg/statechart.
type Orchestrator interface {
	Machines() []string
	Actor(id string) (*Actor, bool)
	Dispatch(ctx context.Context, id, event string, data map[string]Value) (StateSnapshot, error)
	StartMachine(ctx context.Context, template, id string) (string, error)
	Stop(id string) error
}

// AdminServer exposes a small JSON/HTTP inspection and control API over a
// running set of machines, the hierarchical-statechart analogue of the
// teacher's StateMachineVerticle HTTP surface. It talks fasthttp directly
// rather than through pkg/web.FastHTTPServer: that type's constructor
// forwards its core.Vertx argument to core.NewBaseServer, which requires
// a core.GoCMD — a pre-existing mismatch between two generations of the
// teacher's core package that predates this rework (see DESIGN.md).
type AdminServer struct {
	orch   Orchestrator
	logger core.Logger
	addr   string
	server *fasthttp.Server
}

func NewAdminServer(addr string, orch Orchestrator, logger core.Logger) *AdminServer {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &AdminServer{orch: orch, logger: logger, addr: addr}
	s.server = &fasthttp.Server{
		Handler:                       s.handle,
		NoDefaultServerHeader:         true,
		ReduceMemoryUsage:             true,
		DisableHeaderNamesNormalizing: false,
	}
	return s
}

func (s *AdminServer) handle(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == "GET" && path == "/health":
		writeJSON(ctx, 200, map[string]interface{}{"status": "UP"})
	case method == "GET" && path == "/machines":
		s.listMachines(ctx)
	case method == "POST" && path == "/machines":
		s.createMachine(ctx)
	case method == "GET" && strings.HasPrefix(path, "/machines/") && !strings.HasSuffix(path, "/events"):
		s.getMachine(ctx, strings.TrimPrefix(path, "/machines/"))
	case method == "DELETE" && strings.HasPrefix(path, "/machines/"):
		s.stopMachine(ctx, strings.TrimPrefix(path, "/machines/"))
	case method == "POST" && strings.HasSuffix(path, "/events"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/machines/"), "/events")
		s.sendEvent(ctx, id)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *AdminServer) listMachines(ctx *fasthttp.RequestCtx) {
	ids := s.orch.Machines()
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		a, ok := s.orch.Actor(id)
		if !ok {
			continue
		}
		snap := a.Snapshot()
		out = append(out, map[string]interface{}{
			"id":           id,
			"currentState": snap.CurrentState,
			"status":       snap.Status.String(),
		})
	}
	writeJSON(ctx, 200, out)
}

func (s *AdminServer) createMachine(ctx *fasthttp.RequestCtx) {
	var req struct {
		Template string `json:"template"`
		ID       string `json:"id,omitempty"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, 400, map[string]interface{}{"error": "invalid request body"})
		return
	}
	id, err := s.orch.StartMachine(ctx, req.Template, req.ID)
	if err != nil {
		writeJSON(ctx, 400, map[string]interface{}{"error": err.Error()})
		return
	}
	a, _ := s.orch.Actor(id)
	writeJSON(ctx, 201, map[string]interface{}{"id": id, "state": a.Snapshot().CurrentState})
}

func (s *AdminServer) getMachine(ctx *fasthttp.RequestCtx, id string) {
	a, ok := s.orch.Actor(id)
	if !ok {
		writeJSON(ctx, 404, map[string]interface{}{"error": "machine not found"})
		return
	}
	writeJSON(ctx, 200, toSnapshotView(a.Snapshot()))
}

func (s *AdminServer) sendEvent(ctx *fasthttp.RequestCtx, id string) {
	var req struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data,omitempty"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, 400, map[string]interface{}{"error": "invalid request body"})
		return
	}
	snap, err := s.orch.Dispatch(ctx, id, req.Type, rawMapToValues(req.Data))
	if err != nil {
		if se, ok := err.(*Error); ok {
			writeJSON(ctx, errorStatus(se.Code), map[string]interface{}{"error": se.Message, "code": string(se.Code)})
			return
		}
		writeJSON(ctx, 500, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(ctx, 200, toSnapshotView(snap))
}

func (s *AdminServer) stopMachine(ctx *fasthttp.RequestCtx, id string) {
	if err := s.orch.Stop(id); err != nil {
		writeJSON(ctx, 404, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(ctx, 200, map[string]interface{}{"success": true})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	enc, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(500)
		return
	}
	ctx.SetBody(enc)
}

func errorStatus(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeUnknownTarget:
		return 404
	case CodeQueueFull:
		return 503
	default:
		return 400
	}
}

func toSnapshotView(s StateSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":           s.MachineID,
		"currentState": s.CurrentState,
		"context":      s.Context,
		"tags":         s.Tags,
		"description":  s.Description,
		"output":       s.Output,
		"status":       s.Status.String(),
	}
}

// Start begins serving the admin API. It blocks until the server is
// stopped or fails; callers run it in its own goroutine.
func (s *AdminServer) Start() error {
	s.logger.Infof("admin API listening on %s", s.addr)
	return s.server.ListenAndServe(s.addr)
}

// Stop shuts the admin API down.
func (s *AdminServer) Stop() error {
	return s.server.Shutdown()
}
