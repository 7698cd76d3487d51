package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cardflow/internal/board"
	"cardflow/internal/config"
	"cardflow/internal/domain"
	"cardflow/internal/engine"
	"cardflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Actor    ActorConfig
	// AllowedOrigins enables CORS for browser boards when non-empty.
	AllowedOrigins []string
	Logger         *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"campos obrigatórios pendentes: Telefone"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"Telefone\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cardflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Actor.Logger == nil {
		cfg.Actor.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema errors are the caller's fault, not a stage gate
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newActorMiddleware(cfg.Actor))
	hcfg := huma.DefaultConfig("Cardflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFlows(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *board.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"card_id":  verr.CardID,
			"stage_id": verr.StageID,
			"missing":  verr.Missing,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cycle"),
		strings.Contains(lowered, "last stage"),
		strings.Contains(lowered, "still holds"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "twice") || strings.Contains(lowered, "different flow"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cardflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body flowList `json:"body"`
	}, error) {
		flows, err := e.Repo.ListFlows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body flowList `json:"body"`
		}{Body: flowList{Items: nonNilSlice(flows)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-flow",
		Method:      http.MethodPut,
		Path:        "/flows/{flow_id}",
		Summary:     "Create or replace a flow from cardflow.yml contents",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		Body   ImportFlowRequest `json:"body"`
	}) (*struct {
		Body domain.Flow `json:"body"`
	}, error) {
		cfg, err := config.FromYAML([]byte(input.Body.Config))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if cfg.Flow.ID != input.FlowID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "flow id in config does not match path",
				map[string]any{"path": input.FlowID, "config": cfg.Flow.ID})
		}
		flow, err := e.ImportFlow(ctx, cfg, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Flow `json:"body"`
		}{Body: flow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get flow with its stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *flowPath) (*struct {
		Body domain.Flow `json:"body"`
	}, error) {
		flow, err := e.Repo.GetFlow(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Flow `json:"body"`
		}{Body: flow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/stages",
		Summary:     "List stages by ordinal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *flowPath) (*struct {
		Body stageList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetFlow(ctx, input.FlowID); err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStages(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stageList `json:"body"`
		}{Body: stageList{Items: nonNilSlice(stages)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board-config",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/board-config",
		Summary:     "Board tunables for clients",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *flowPath) (*struct {
		Body BoardConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetFlowConfig(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardConfigResponse `json:"body"`
		}{Body: boardConfigResponse(cfg)}, nil
	})
}

type flowPath struct {
	FlowID string `path:"flow_id"`
}

type cardPath struct {
	FlowID string `path:"flow_id"`
	ID     string `path:"id"`
}

func ownerFilter(assignedTo, teamID string) board.Filter {
	return board.Filter{AssignedTo: assignedTo, AssignedTeamID: teamID}
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/flows/{flow_id}/cards",
		Summary:       "Create a card in the first stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		Body   CreateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		opts := engine.CardCreateOptions{
			FlowID:         input.FlowID,
			Title:          input.Body.Title,
			Values:         input.Body.Values,
			Checklist:      input.Body.Checklist,
			ParentID:       stringOrEmpty(input.Body.ParentID),
			AssignedTo:     stringOrEmpty(input.Body.AssignedTo),
			AssignedTeamID: stringOrEmpty(input.Body.AssignedTeamID),
			ActorID:        actorIDFromContext(ctx),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.CreateCard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/cards",
		Summary:     "List cards, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FlowID   string `path:"flow_id"`
		StageID  string `query:"stage_id"`
		ParentID string `query:"parent_id"`
		AssignedTo     string `query:"assigned_to"`
		AssignedTeamID string `query:"assigned_team_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCards `json:"body"`
	}, error) {
		if _, _, err := repo.ParseCursor(input.Cursor); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters := repo.CardFilters{
			FlowID:         input.FlowID,
			StageID:        input.StageID,
			ParentID:       input.ParentID,
			AssignedTo:     input.AssignedTo,
			AssignedTeamID: input.AssignedTeamID,
		}
		page, err := engine.ListPage(ctx, e.Repo, filters, input.Cursor, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedCards `json:"body"`
		}{Body: paginatedCards{Items: page.Cards, NextCursor: page.NextCursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/cards/{id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cardPath) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		c, err := cardInFlow(ctx, e, input.FlowID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card",
		Method:      http.MethodPatch,
		Path:        "/flows/{flow_id}/cards/{id}",
		Summary:     "Update card fields, owner or status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		ID     string            `path:"id"`
		Body   UpdateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		bodyMap := rawBodyMap(ctx)
		for _, key := range []string{"title", "values", "checklist", "status"} {
			if isNullRaw(bodyMap[key]) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", key+" must not be null", map[string]any{"field": key})
			}
		}
		if _, err := cardInFlow(ctx, e, input.FlowID, input.ID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.CardUpdateOptions{
			ID:          input.ID,
			ActorID:     actorIDFromContext(ctx),
			Title:       input.Body.Title,
			SetAssignee: input.Body.AssignedTo,
			SetTeam:     input.Body.AssignedTeamID,
			SetParent:   input.Body.ParentID,
		}
		if _, ok := bodyMap["values"]; ok {
			opts.ValuesSet = true
			opts.Values = input.Body.Values
		}
		if _, ok := bodyMap["checklist"]; ok {
			opts.ChecklistSet = true
			opts.Checklist = input.Body.Checklist
		}
		if input.Body.Status != nil {
			status := domain.CardStatus(*input.Body.Status)
			opts.Status = &status
		}
		c, err := e.UpdateCard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-card",
		Method:        http.MethodDelete,
		Path:          "/flows/{flow_id}/cards/{id}",
		Summary:       "Delete card",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *cardPath) (*struct{}, error) {
		if _, err := cardInFlow(ctx, e, input.FlowID, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteCard(ctx, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-card",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/cards/{id}/advance",
		Summary:     "Move a card to the end of the next stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *cardPath) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if _, err := cardInFlow(ctx, e, input.FlowID, input.ID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.AdvanceCard(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reorder-cards",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/reorder",
		Summary:     "Apply a batch of card moves atomically",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID string         `path:"flow_id"`
		Body   ReorderRequest `json:"body"`
	}) (*struct {
		Body ReorderResponse `json:"body"`
	}, error) {
		muts := make([]domain.ReorderMutation, 0, len(input.Body.Mutations))
		for _, m := range input.Body.Mutations {
			muts = append(muts, mutationFromRequest(m))
		}
		if err := e.Reorder(ctx, input.FlowID, muts, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReorderResponse `json:"body"`
		}{Body: ReorderResponse{Applied: len(muts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-stage-cards",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/stages/{stage_id}/count",
		Summary:     "Count cards in a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID  string `path:"flow_id"`
		StageID string `path:"stage_id"`
		AssignedTo     string `query:"assigned_to"`
		AssignedTeamID string `query:"assigned_team_id"`
	}) (*struct {
		Body StageCountResponse `json:"body"`
	}, error) {
		if err := stageExists(ctx, e, input.FlowID, input.StageID); err != nil {
			return nil, handleError(err)
		}
		n, err := engine.Local{Engine: e}.CountCards(ctx, input.FlowID, input.StageID, ownerFilter(input.AssignedTo, input.AssignedTeamID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageCountResponse `json:"body"`
		}{Body: StageCountResponse{StageID: input.StageID, Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "count-cards-by-stage",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/counts",
		Summary:     "Count cards in every stage",
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
		AssignedTo     string `query:"assigned_to"`
		AssignedTeamID string `query:"assigned_team_id"`
	}) (*struct {
		Body CountsResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountByStage(ctx, repo.CardFilters{
			FlowID:         input.FlowID,
			AssignedTo:     input.AssignedTo,
			AssignedTeamID: input.AssignedTeamID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountsResponse `json:"body"`
		}{Body: CountsResponse{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-stage-cards",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/stages/{stage_id}/search",
		Summary:     "Search a stage by title, field values, owner, status or dates",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID  string `path:"flow_id"`
		StageID string `path:"stage_id"`
		Query   string `query:"q"`
		AssignedTo     string `query:"assigned_to"`
		AssignedTeamID string `query:"assigned_team_id"`
	}) (*struct {
		Body cardList `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Query) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "q is required", map[string]any{"field": "q"})
		}
		if err := stageExists(ctx, e, input.FlowID, input.StageID); err != nil {
			return nil, handleError(err)
		}
		cards, err := engine.Local{Engine: e}.SearchCards(ctx, input.FlowID, input.StageID, input.Query, ownerFilter(input.AssignedTo, input.AssignedTeamID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body cardList `json:"body"`
		}{Body: cardList{Items: nonNilSlice(cards)}}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-directory",
		Method:      http.MethodGet,
		Path:        "/directory",
		Summary:     "Users and teams that can own cards",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DirectoryResponse `json:"body"`
	}, error) {
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		teams, err := e.Repo.ListTeams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectoryResponse `json:"body"`
		}{Body: DirectoryResponse{Users: nonNilSlice(users), Teams: nonNilSlice(teams)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FlowID     string `path:"flow_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"flow,card"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			FlowID:     input.FlowID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func cardInFlow(ctx context.Context, e engine.Engine, flowID, id string) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, id)
	if err != nil {
		return c, err
	}
	if c.FlowID != flowID {
		return domain.Card{}, fmt.Errorf("card %s in flow %s: %w", id, flowID, repo.ErrNotFound)
	}
	return c, nil
}

func stageExists(ctx context.Context, e engine.Engine, flowID, stageID string) error {
	flow, err := e.Repo.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if _, ok := flow.Stage(stageID); !ok {
		return fmt.Errorf("stage %s: %w", stageID, repo.ErrNotFound)
	}
	return nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
