package serverapp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"dynrest/internal/apierr"
	"dynrest/internal/engine"
	"dynrest/internal/logging"
	"dynrest/internal/middleware"
	"dynrest/internal/observability"
	"dynrest/internal/permission"
)

const defaultMaxBodyBytes = 1 << 20

type apiOptions struct {
	MaxBodyBytes    int64
	SecurityMetrics *observability.SecurityMetrics
}

// api serves the entity routes of one engine.
type api struct {
	engine *engine.Engine
	opts   apiOptions
	mux    *http.ServeMux
}

func newAPI(eng *engine.Engine, opts apiOptions) *api {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	a := &api{engine: eng, opts: opts, mux: http.NewServeMux()}
	a.mux.HandleFunc("GET /{$}", a.index)
	a.mux.HandleFunc("GET /{entity}", a.list)
	a.mux.HandleFunc("POST /{entity}", a.create)
	a.mux.HandleFunc("GET /{entity}/permissions", a.permissions)
	a.mux.HandleFunc("GET /{entity}/{id}", a.get)
	a.mux.HandleFunc("PATCH /{entity}/{id}", a.update)
	a.mux.HandleFunc("DELETE /{entity}/{id}", a.delete)
	a.mux.HandleFunc("GET /{entity}/{id}/{field}", a.listRelated)
	a.mux.HandleFunc("POST /{entity}/{id}/{field}", a.createRelated)
	return a
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *api) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": a.engine.Routes()})
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	out, err := a.engine.List(r.Context(), r.PathValue("entity"), r.URL.Query())
	a.respond(w, r, permission.ActionList, "", http.StatusOK, out, err)
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := a.engine.Get(r.Context(), r.PathValue("entity"), id, r.URL.Query())
	a.respond(w, r, permission.ActionGet, id, http.StatusOK, out, err)
}

func (a *api) permissions(w http.ResponseWriter, r *http.Request) {
	out, err := a.engine.Permissions(r.Context(), r.PathValue("entity"))
	a.respond(w, r, "permissions", "", http.StatusOK, out, err)
}

func (a *api) create(w http.ResponseWriter, r *http.Request) {
	body, err := a.decodeBody(w, r)
	if err != nil {
		a.respond(w, r, permission.ActionCreate, "", 0, nil, err)
		return
	}
	out, err := a.engine.Create(r.Context(), r.PathValue("entity"), body)
	a.respond(w, r, permission.ActionCreate, "", http.StatusCreated, out, err)
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := a.decodeBody(w, r)
	if err != nil {
		a.respond(w, r, permission.ActionUpdate, id, 0, nil, err)
		return
	}
	out, err := a.engine.Update(r.Context(), r.PathValue("entity"), id, body)
	a.respond(w, r, permission.ActionUpdate, id, http.StatusOK, out, err)
}

func (a *api) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.engine.Delete(r.Context(), r.PathValue("entity"), id)
	a.respond(w, r, permission.ActionDelete, id, http.StatusNoContent, nil, err)
}

func (a *api) listRelated(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := a.engine.ListRelated(r.Context(), r.PathValue("entity"), id, r.PathValue("field"), r.URL.Query())
	a.respond(w, r, permission.ActionGet, id, http.StatusOK, out, err)
}

func (a *api) createRelated(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := a.decodeBody(w, r)
	if err != nil {
		a.respond(w, r, permission.ActionCreate, id, 0, nil, err)
		return
	}
	out, err := a.engine.CreateRelated(r.Context(), r.PathValue("entity"), id, r.PathValue("field"), body)
	a.respond(w, r, permission.ActionCreate, id, http.StatusCreated, out, err)
}

var errBodyTooLarge = errors.New("request body too large")

// decodeBody reads a JSON object. An empty body is an empty object.
func (a *api) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	body := map[string]any{}
	err := json.NewDecoder(r.Body).Decode(&body)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return body, nil
	case errors.As(err, &tooLarge):
		return nil, errBodyTooLarge
	default:
		return nil, apierr.Validation("Request body must be a JSON object: %v", err)
	}
}

// respond writes the envelope or maps err onto a status code. Internal
// failures are logged by the engine and reported with a generic message.
func (a *api) respond(w http.ResponseWriter, r *http.Request, action permission.Action, id string, status int, out map[string]any, err error) {
	ctx := r.Context()
	entity := r.PathValue("entity")
	class := apierr.Class(err)

	info := observability.RequestInfo{
		Entity:    entity,
		Action:    string(action),
		ID:        id,
		Superuser: permission.IdentityFromContext(ctx).Superuser,
		Outcome:   class,
	}
	if auth, ok := middleware.AuthFromContext(ctx); ok {
		info.Subject = auth.Subject
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.RequestSpanAttributes(info)...)

	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	switch class {
	case "success":
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, out)
	case "validation":
		writeError(w, http.StatusBadRequest, err.Error())
	case "permission_denied":
		if a.opts.SecurityMetrics != nil {
			a.opts.SecurityMetrics.RecordPermissionDenied(ctx, entity, r.Method)
		}
		writeError(w, http.StatusForbidden, err.Error())
	case "not_found":
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logging.FromContext(ctx).Debug("request failed", observability.RequestLogFields(ctx, info)...)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
