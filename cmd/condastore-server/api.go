package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/itchyny/gojq"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
	"github.com/conda-store/condastore/internal/validation"
	"github.com/conda-store/condastore/pkg/authz"
	"github.com/conda-store/condastore/pkg/broker"
	"github.com/conda-store/condastore/pkg/datastore/models"
	"github.com/conda-store/condastore/pkg/datastore/problem"
	"github.com/conda-store/condastore/pkg/datastore/repository"
	"github.com/conda-store/condastore/pkg/metrics"
	"github.com/conda-store/condastore/pkg/orchestrator"
	"github.com/conda-store/condastore/pkg/pagination"
	"github.com/conda-store/condastore/pkg/specification"
	"github.com/conda-store/condastore/pkg/storage"
)

const defaultPageLimit = 100

type apiServer struct {
	db             *sql.DB
	logger         *zap.Logger
	storage        storage.Backend
	broker         *broker.Broker
	pipeline       *specification.Pipeline
	policy         *authz.PolicyEvaluator
	namespaces     *repository.NamespaceRepository
	environments   *repository.EnvironmentRepository
	builds         *repository.BuildRepository
	specifications *repository.SpecificationRepository
	paginator      *pagination.Paginator
}

func (s *apiServer) routes(router chi.Router) {
	router.Get("/health", s.handleHealth)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/environment/", s.handleListEnvironments)
		r.Post("/specification/", s.handleSubmitSpecification)
		r.Get("/build/{id}/logs", s.handleBuildLogs)
		r.Get("/build/{id}/lockfile", s.handleBuildLockfile)
		r.Put("/build/{id}/cancel", s.handleCancelBuild)
	})
	router.Get("/admin/lockfile-query", s.handleLockfileQuery)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "database unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// environmentRow is one joined listing result.
type environmentRow struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Namespace   string `json:"namespace"`
}

// handleListEnvironments serves the cursor-paginated environment
// listing, restricted to what the caller's role bindings expose.
func (s *apiServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	bindings, err := roleBindingsFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, apperrors.NewValidationError("limit must be an integer"))
			return
		}
	}
	if err := validation.ValidateLimit(limit); err != nil {
		s.writeError(w, apperrors.NewValidationError(err.Error()))
		return
	}

	direction := r.URL.Query().Get("order")
	if direction == "" {
		direction = "asc"
	}
	sortBy := pagination.SplitSortBy(r.URL.Query()["sort_by"])
	if len(sortBy) == 0 {
		sortBy = []string{"namespace", "name"}
	}

	cursor, err := pagination.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	visibility, err := authz.FilterEnvironments(bindings, 1)
	if err != nil {
		s.writeError(w, err)
		return
	}

	page, err := s.paginator.Apply(sortBy, direction, limit, cursor, 1+len(visibility.Args))
	if err != nil {
		s.writeError(w, err)
		return
	}

	baseFilter := "environment.deleted_on IS NULL AND " + visibility.Clause
	query := `
		SELECT environment.id, environment.name, environment.description, namespace.name AS namespace
		FROM environment JOIN namespace ON namespace.id = environment.namespace_id
		WHERE ` + baseFilter
	args := append([]any(nil), visibility.Args...)
	if page.Where != "" {
		query += " AND " + page.Where
		args = append(args, page.Args...)
	}
	query += " ORDER BY " + page.OrderBy + fmt.Sprintf(" LIMIT %d", page.Limit)

	db := sqlx.NewDb(s.db, "pgx")
	var rows []environmentRow
	if err := db.SelectContext(r.Context(), &rows, query, args...); err != nil {
		s.logger.Error("environment listing failed", zap.Error(err))
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list environments"))
		return
	}

	var count int64
	countQuery := `
		SELECT COUNT(*)
		FROM environment JOIN namespace ON namespace.id = environment.namespace_id
		WHERE ` + baseFilter
	if err := db.GetContext(r.Context(), &count, countQuery, visibility.Args...); err != nil {
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to count environments"))
		return
	}

	next, err := s.paginator.NextCursor(rows, sortBy, count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := map[string]any{
		"data":  rows,
		"count": count,
	}
	if next != nil && len(rows) == limit {
		encoded, err := next.Encode()
		if err != nil {
			s.writeError(w, err)
			return
		}
		response["cursor"] = encoded
	}

	metrics.RecordAPIRequest("success")
	s.writeJSON(w, http.StatusOK, response)
}

type submitRequest struct {
	Namespace     string          `json:"namespace"`
	Environment   string          `json:"environment"`
	Specification json.RawMessage `json:"specification"`
}

// handleSubmitSpecification validates and deduplicates a submitted
// specification, ensures the namespace/environment rows, creates a
// QUEUED build, and enqueues it for a worker.
func (s *apiServer) handleSubmitSpecification(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}

	parsed, err := s.pipeline.Parse(req.Specification)
	if err != nil {
		metrics.RecordSpecification("rejected")
		s.writeError(w, err)
		return
	}
	if req.Environment == "" {
		req.Environment = parsed.Name
	}
	if err := validation.ValidateNamespaceEnvironmentRef(validation.NamespaceEnvironmentRef{
		Namespace:   req.Namespace,
		Environment: req.Environment,
	}); err != nil {
		s.writeError(w, apperrors.NewValidationError(err.Error()))
		return
	}

	spec, err := s.pipeline.Ensure(r.Context(), parsed)
	if err != nil {
		metrics.RecordSpecification("rejected")
		s.writeError(w, err)
		return
	}
	metrics.RecordSpecification("accepted")

	namespace, err := s.namespaces.GetByName(r.Context(), req.Namespace)
	if err != nil || namespace == nil {
		namespace, err = s.namespaces.Create(r.Context(), &models.Namespace{Name: req.Namespace})
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	environment, err := s.environments.GetByNamespaceAndName(r.Context(), namespace.ID, req.Environment)
	if err != nil {
		environment, err = s.environments.Create(r.Context(), &models.Environment{
			Name:        req.Environment,
			NamespaceID: namespace.ID,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	build, err := s.builds.Create(r.Context(), environment.ID, spec.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.broker.Enqueue(r.Context(), build.ID); err != nil {
		s.writeError(w, err)
		return
	}

	metrics.RecordAPIRequest("success")
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"build_id":             build.ID,
		"specification_sha256": spec.SHA256,
	})
}

func (s *apiServer) buildKeys(r *http.Request) (*models.Build, orchestrator.BuildKeys, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, orchestrator.BuildKeys{}, apperrors.NewValidationError("build id must be an integer")
	}
	build, err := s.builds.Get(r.Context(), id)
	if err != nil {
		return nil, orchestrator.BuildKeys{}, err
	}
	spec, err := s.specifications.Get(r.Context(), build.SpecificationID)
	if err != nil {
		return nil, orchestrator.BuildKeys{}, err
	}
	return build, orchestrator.NewBuildKeys(build, spec), nil
}

func (s *apiServer) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	_, keys, err := s.buildKeys(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.storage.Get(r.Context(), keys.LogKey())
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, apperrors.NewNotFoundError("build logs"))
			return
		}
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(logs)
}

// handleBuildLockfile redirects to the storage backend's download URL
// for the build's lockfile artifact.
func (s *apiServer) handleBuildLockfile(w http.ResponseWriter, r *http.Request) {
	_, keys, err := s.buildKeys(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	url, err := s.storage.GetURL(r.Context(), keys.CondaLockKey())
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleCancelBuild marks a build canceled. A worker still running it
// discards its result once the row is terminal.
func (s *apiServer) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	bindings, err := roleBindingsFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var roles []string
	for _, granted := range bindings {
		roles = append(roles, granted...)
	}
	allowed, err := s.policy.Allowed(r.Context(), roles, "build:cancel")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !allowed {
		s.writeError(w, apperrors.NewAuthError("canceling builds requires an admin role"))
		return
	}

	build, _, err := s.buildKeys(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.builds.TransitionToCanceled(r.Context(), build.ID, "canceled by request"); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.RecordBuildCanceled()
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": build.ID, "status": models.BuildStatusCanceled})
}

// handleLockfileQuery runs a caller-supplied jq program against a
// build's stored lockfile, a debugging aid for inspecting large solved
// graphs without downloading them.
func (s *apiServer) handleLockfileQuery(w http.ResponseWriter, r *http.Request) {
	buildID, err := strconv.ParseInt(r.URL.Query().Get("build_id"), 10, 64)
	if err != nil {
		s.writeError(w, apperrors.NewValidationError("build_id must be an integer"))
		return
	}
	program := r.URL.Query().Get("q")
	if program == "" {
		program = "."
	}

	build, err := s.builds.Get(r.Context(), buildID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	spec, err := s.specifications.Get(r.Context(), build.SpecificationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys := orchestrator.NewBuildKeys(build, spec)

	raw, err := s.storage.Get(r.Context(), keys.CondaLockKey())
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, apperrors.NewNotFoundError("lockfile"))
			return
		}
		s.writeError(w, err)
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "stored lockfile is not valid JSON"))
		return
	}

	query, err := gojq.Parse(program)
	if err != nil {
		s.writeError(w, apperrors.NewValidationError(fmt.Sprintf("invalid jq program: %v", err)))
		return
	}

	var results []any
	iter := query.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			s.writeError(w, apperrors.NewValidationError(fmt.Sprintf("jq evaluation failed: %v", err)))
			return
		}
		results = append(results, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// roleBindingsFromRequest reads the caller's role bindings. A real
// deployment derives these from the authenticated principal; the
// header is the seam where an authentication provider plugs in.
func roleBindingsFromRequest(r *http.Request) (authz.RoleBindings, error) {
	raw := r.Header.Get("X-Role-Bindings")
	if raw == "" {
		return authz.RoleBindings{}, nil
	}
	var bindings authz.RoleBindings
	if err := json.Unmarshal([]byte(raw), &bindings); err != nil {
		return nil, apperrors.NewValidationError("X-Role-Bindings is not valid JSON")
	}
	return bindings, nil
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	metrics.RecordAPIRequest("error")

	var out *problem.RFC7807Problem
	switch typed := err.(type) {
	case *problem.RFC7807Problem:
		out = typed
	case *problem.ValidationError:
		out = typed.ToRFC7807()
	default:
		out = &problem.RFC7807Problem{
			Title:  "Error",
			Status: apperrors.GetStatusCode(err),
			Detail: apperrors.SafeErrorMessage(err),
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(out.Status)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("failed to encode error response", zap.Error(err))
	}
}
