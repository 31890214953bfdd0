// Command gwcore runs the federation gateway as a standalone HTTP server:
// load a supergraph SDL and a YAML config, then serve POST /graphql
// (spec.md §6 "a minimal demonstration server wires Schema + Config +
// Executor behind net/http").
package main

import (
	"encoding/json"
	"flag"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/wundergraph/astjson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/grafbase/gwcore/internal/cache"
	"github.com/grafbase/gwcore/internal/config"
	"github.com/grafbase/gwcore/internal/execute"
	"github.com/grafbase/gwcore/internal/gqlerr"
	"github.com/grafbase/gwcore/internal/operation"
	"github.com/grafbase/gwcore/internal/plan"
	"github.com/grafbase/gwcore/internal/ratelimit"
	"github.com/grafbase/gwcore/internal/response"
	"github.com/grafbase/gwcore/internal/schema"
	"github.com/grafbase/gwcore/internal/solve"
	"github.com/grafbase/gwcore/internal/solve/steiner"
)

func main() {
	sdlPath := flag.String("schema", "", "path to the supergraph SDL file")
	configPath := flag.String("config", "", "path to the gateway config YAML")
	addr := flag.String("addr", ":4000", "listen address")
	flag.Parse()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()
	logger := abstractlogger.NewZapLogger(zapLogger, abstractlogger.DebugLevel)

	if *sdlPath == "" {
		logger.Fatal("missing required -schema flag")
	}
	sdlBytes, err := os.ReadFile(*sdlPath)
	if err != nil {
		logger.Fatal("reading schema file", abstractlogger.Error(err))
	}

	s, err := schema.Build(string(sdlBytes), logger)
	if err != nil {
		logger.Fatal("building schema", abstractlogger.Error(err))
	}

	var cfg config.Config
	if *configPath != "" {
		cfgBytes, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("reading config file", abstractlogger.Error(err))
		}
		if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
			logger.Fatal("parsing config file", abstractlogger.Error(err))
		}
	}

	entityCache, err := cache.NewEntityCache(4096)
	if err != nil {
		logger.Fatal("building entity cache", abstractlogger.Error(err))
	}
	planCache, err := cache.NewPlanCache(1024)
	if err != nil {
		logger.Fatal("building plan cache", abstractlogger.Error(err))
	}

	globalLimiter := ratelimit.NewBucket(10_000, time.Second)
	exec := execute.NewExecutor(s, &http.Client{Timeout: 30 * time.Second}, logger, entityCache, globalLimiter)

	srv := &server{
		schema:        s,
		schemaVersion: *sdlPath,
		exec:          exec,
		planCache:     planCache,
		logger:        logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", srv.handleGraphQL)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	logger.Info("gwcore listening", abstractlogger.String("addr", *addr))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal("server exited", abstractlogger.Error(err))
	}
}

type server struct {
	schema        *schema.Schema
	schemaVersion string
	exec          *execute.Executor
	planCache     *cache.PlanCache
	logger        abstractlogger.Logger
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func (srv *server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeErrors(w, gqlerr.List{gqlerr.New(gqlerr.CodeRequestError, nil, "reading request body: %v", err)})
		return
	}
	var req graphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeErrors(w, gqlerr.List{gqlerr.New(gqlerr.CodeRequestError, nil, "decoding request JSON: %v", err)})
		return
	}

	op, report := operation.Bind(srv.schema, req.Query, req.OperationName)
	if report.HasErrors() {
		w.Header().Set("Content-Type", "application/json")
		writeErrors(w, diagnosticsToErrors(report.Diagnostics()))
		return
	}

	vars, report := operation.Coerce(op, req.Variables)
	if report.HasErrors() {
		w.Header().Set("Content-Type", "application/json")
		writeErrors(w, diagnosticsToErrors(report.Diagnostics()))
		return
	}

	fingerprint := cache.PlanFingerprint(srv.schemaVersion, req.Query, req.OperationName)
	var p *plan.Plan
	if cached, ok := srv.planCache.Get(fingerprint); ok {
		p = cached.(*plan.Plan)
	} else {
		g, err := solve.Build(srv.schema, op)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			writeErrors(w, gqlerr.List{gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "%v", err)})
			return
		}
		sol, err := steiner.Solve(g, solve.Terminals(g))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			writeErrors(w, gqlerr.List{gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "%v", err)})
			return
		}
		p, err = plan.Build(srv.schema, op, g, sol)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			writeErrors(w, gqlerr.List{gqlerr.New(gqlerr.CodeOperationPlanningError, nil, "%v", err)})
			return
		}
		srv.planCache.Put(fingerprint, p)
	}

	rc := execute.RequestContext{Header: r.Header}

	hasDeferred := false
	for _, part := range p.Partitions {
		if part.Deferred {
			hasDeferred = true
			break
		}
	}

	// Only a client that actually asked for incremental delivery gets the
	// multipart/mixed stream (SPEC_FULL.md "incremental delivery"); anyone
	// else gets the same fully-resolved response Execute has always
	// produced — runPartition does not special-case Partition.Deferred at
	// all, so those partitions still resolve and merge in synchronously.
	if hasDeferred && acceptsMultipart(r.Header.Get("Accept")) {
		srv.streamIncremental(w, r, p, op, vars, rc)
		return
	}

	store, errs := srv.exec.Execute(r.Context(), p, op, vars, rc)
	w.Header().Set("Content-Type", "application/json")
	writeResult(w, store, errs)
}

func acceptsMultipart(accept string) bool {
	return strings.Contains(accept, "multipart/mixed")
}

func writeResult(w http.ResponseWriter, store *response.Store, errs gqlerr.List) {
	a := &astjson.Arena{}
	resultObj := a.NewObject()
	if store.Data {
		resultObj.Set("data", store.Serialize(a, store.Root))
	}
	if errs.HasErrors() {
		resultObj.Set("errors", errorsToJSON(a, errs))
	}
	_, _ = w.Write([]byte(resultObj.String()))
}

func errorsToJSON(a *astjson.Arena, errs gqlerr.List) *astjson.Value {
	arr := a.NewArray()
	for i, e := range errs {
		errObj := a.NewObject()
		errObj.Set("message", a.NewString(e.Message))
		arr.SetArrayItem(i, errObj)
	}
	return arr
}

// streamIncremental serves a `@defer`-bearing plan as a multipart/mixed
// response, the wire framing the GraphQL incremental delivery convention
// asks for: an initial part carrying whatever the non-deferred partitions
// already resolved (hasNext: true), then one part per
// execute.IncrementalPayload as it arrives, then a final `{"hasNext":
// false}` terminator part. net/http's own Flusher pushes each part to the
// client as soon as it's written — no ecosystem library in this stack
// frames multipart/mixed bodies (see DESIGN.md), so this uses mime/multipart
// directly.
func (srv *server) streamIncremental(w http.ResponseWriter, r *http.Request, p *plan.Plan, op *operation.BoundOperation, vars operation.Variables, rc execute.RequestContext) {
	store, errs, incoming := srv.exec.ExecuteIncremental(r.Context(), p, op, vars, rc)

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary()+"; deferSpec=20220824")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	writePart := func(v *astjson.Value) {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=utf-8"}})
		if err != nil {
			return
		}
		_, _ = part.Write([]byte(v.String()))
		if canFlush {
			flusher.Flush()
		}
	}

	a := &astjson.Arena{}
	initial := a.NewObject()
	if store.Data {
		initial.Set("data", store.Serialize(a, store.Root))
	}
	if errs.HasErrors() {
		initial.Set("errors", errorsToJSON(a, errs))
	}
	initial.Set("hasNext", a.NewTrue())
	writePart(initial)

	for pay := range incoming {
		writePart(serializeIncrementalPayload(store, pay))
	}

	done := &astjson.Arena{}
	terminator := done.NewObject()
	terminator.Set("hasNext", done.NewFalse())
	writePart(terminator)
	_ = mw.Close()
}

// serializeIncrementalPayload renders one execute.IncrementalPayload as its
// own multipart part body. An Unrepresentable payload (an entity a `@defer`
// boundary reached through a list position — see internal/execute/defer.go)
// has no expressible path, so it is reported as a stream-level error rather
// than a positioned incremental result.
func serializeIncrementalPayload(store *response.Store, pay execute.IncrementalPayload) *astjson.Value {
	a := &astjson.Arena{}
	if pay.Unrepresentable {
		obj := a.NewObject()
		obj.Set("errors", errorsToJSON(a, pay.Errors))
		obj.Set("hasNext", a.NewTrue())
		return obj
	}

	item := a.NewObject()
	pathArr := a.NewArray()
	for i, seg := range pay.Path {
		pathArr.SetArrayItem(i, a.NewString(store.Strings.Lookup(seg)))
	}
	item.Set("path", pathArr)
	if pay.HasLabel {
		item.Set("label", a.NewString(pay.Label))
	}
	if pay.DataNull {
		item.Set("data", a.NewNull())
	} else {
		v := store.NewObjectValue(pay.Data, 0, 0)
		item.Set("data", store.Serialize(a, v))
	}
	if len(pay.Errors) > 0 {
		item.Set("errors", errorsToJSON(a, pay.Errors))
	}

	incrementalArr := a.NewArray()
	incrementalArr.SetArrayItem(0, item)

	obj := a.NewObject()
	obj.Set("incremental", incrementalArr)
	obj.Set("hasNext", a.NewTrue())
	return obj
}

func diagnosticsToErrors(diags []operation.Diagnostic) gqlerr.List {
	var out gqlerr.List
	for _, d := range diags {
		out.Add(gqlerr.New(gqlerr.CodeValidationError, nil, "%s", d.Error()))
	}
	return out
}

func writeErrors(w http.ResponseWriter, errs gqlerr.List) {
	a := &astjson.Arena{}
	obj := a.NewObject()
	errArr := a.NewArray()
	for i, e := range errs {
		errObj := a.NewObject()
		errObj.Set("message", a.NewString(e.Message))
		errArr.SetArrayItem(i, errObj)
	}
	obj.Set("errors", errArr)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(obj.String()))
}
