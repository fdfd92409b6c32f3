package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solaros/internal/ahj"
	"solaros/internal/domain"
	"solaros/internal/engine"
	"solaros/internal/integrations"
	"solaros/internal/relay"
	"solaros/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	Relay  *relay.Relay
	// Registry shared with the pipeline dispatcher, so authority upserts
	// invalidate its ZIP cache. Constructed internally when nil.
	Registry *ahj.Registry
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not-found"`
	Message string         `json:"message" example:"webhook log not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope. Codes follow the callable-endpoint
// vocabulary clients branch on: unauthenticated, permission-denied,
// invalid-argument, not-found, failed-precondition, internal.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SolarOS API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	registry := cfg.Registry
	if registry == nil {
		var err error
		registry, err = ahj.NewRegistry(cfg.Engine.Repo)
		if err != nil {
			return nil, err
		}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("SolarOS API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSurveys(group, cfg.Engine)
	registerDesigns(group, cfg.Engine)
	registerPermits(group, cfg.Engine)
	registerInstalls(group, cfg.Engine)
	registerFunding(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAuthorities(group, cfg.Engine, registry)
	registerEvents(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine, cfg.Relay)
	registerIntegrations(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not-found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStaleTransition) {
		return newAPIError(http.StatusConflict, "failed-precondition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrQueueEmpty) {
		return newAPIError(http.StatusNotFound, "not-found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not in_progress"), strings.Contains(lowered, "has no url"):
		return newAPIError(http.StatusConflict, "failed-precondition", msg, nil)
	case strings.Contains(lowered, "invalid"), strings.Contains(lowered, "required"), strings.Contains(lowered, "unknown"), strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "invalid-argument", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid-argument"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "permission-denied"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict, http.StatusPreconditionFailed:
		return "failed-precondition"
	case http.StatusInternalServerError:
		return "internal"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "-"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>SolarOS API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:            deref(input.Body.ID),
			CustomerName:  deref(input.Body.CustomerName),
			Address:       input.Body.Address,
			FinancingType: input.Body.FinancingType,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transition",
		Summary:     "Propose project status transition",
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApplyProjectTransition(ctx, input.ProjectID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerSurveys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-survey",
		Method:        http.MethodPost,
		Path:          "/surveys",
		Summary:       "Record site survey",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSurveyRequest `json:"body"`
	}) (*struct {
		Body domain.SiteSurvey `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SurveyCreateOptions{
			ID:        deref(input.Body.ID),
			ProjectID: input.Body.ProjectID,
			ActorID:   actorID,
		}
		for _, field := range []struct {
			dst *string
			src map[string]any
		}{
			{&opts.RoofMeasurements, input.Body.RoofMeasurements},
			{&opts.Electrical, input.Body.Electrical},
			{&opts.Utility, input.Body.Utility},
			{&opts.Shading, input.Body.Shading},
			{&opts.Property, input.Body.Property},
		} {
			raw, err := rawOrNil(field.src)
			if err != nil {
				return nil, handleError(err)
			}
			*field.dst = raw
		}
		s, err := e.CreateSurvey(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SiteSurvey `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-survey",
		Method:      http.MethodGet,
		Path:        "/surveys/{survey_id}",
		Summary:     "Get survey",
	}, func(ctx context.Context, input *struct {
		SurveyID string `path:"survey_id"`
	}) (*struct {
		Body domain.SiteSurvey `json:"body"`
	}, error) {
		s, err := e.Repo.GetSurvey(ctx, input.SurveyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SiteSurvey `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-survey-status",
		Method:      http.MethodPost,
		Path:        "/surveys/{survey_id}/status",
		Summary:     "Set survey status",
	}, func(ctx context.Context, input *struct {
		SurveyID string           `path:"survey_id"`
		Body     SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.SiteSurvey `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSurveyStatus(ctx, input.SurveyID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SiteSurvey `json:"body"`
		}{Body: s}, nil
	})
}

func registerDesigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-design",
		Method:        http.MethodPost,
		Path:          "/designs",
		Summary:       "Record CAD design",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateDesignRequest `json:"body"`
	}) (*struct {
		Body domain.CadDesign `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		docs, err := rawOrNil(input.Body.Documents)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateDesign(ctx, engine.DesignCreateOptions{
			ID:        deref(input.Body.ID),
			ProjectID: input.Body.ProjectID,
			Documents: docs,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CadDesign `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-design-status",
		Method:      http.MethodPost,
		Path:        "/designs/{design_id}/status",
		Summary:     "Set design status",
	}, func(ctx context.Context, input *struct {
		DesignID string           `path:"design_id"`
		Body     SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.CadDesign `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetDesignStatus(ctx, input.DesignID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CadDesign `json:"body"`
		}{Body: d}, nil
	})
}

func registerPermits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-permit",
		Method:        http.MethodPost,
		Path:          "/permits",
		Summary:       "Open permit application",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreatePermitRequest `json:"body"`
	}) (*struct {
		Body domain.Permit `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePermit(ctx, engine.PermitCreateOptions{
			ID:        deref(input.Body.ID),
			ProjectID: input.Body.ProjectID,
			DesignID:  deref(input.Body.DesignID),
			AhjID:     deref(input.Body.AhjID),
			Notes:     deref(input.Body.Notes),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Permit `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-permits",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/permits",
		Summary:     "List a project's permits",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Permit `json:"body"`
	}, error) {
		items, err := e.Repo.ListPermitsByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Permit `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-permit-status",
		Method:      http.MethodPost,
		Path:        "/permits/{permit_id}/status",
		Summary:     "Set permit status",
	}, func(ctx context.Context, input *struct {
		PermitID string                 `path:"permit_id"`
		Body     SetPermitStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Permit `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetPermitStatus(ctx, input.PermitID, input.Body.Status, deref(input.Body.Notes), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Permit `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "permit-timeline",
		Method:      http.MethodGet,
		Path:        "/permits/{permit_id}/timeline",
		Summary:     "Permit status history",
	}, func(ctx context.Context, input *struct {
		PermitID string `path:"permit_id"`
	}) (*struct {
		Body []domain.PermitTimelineEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListPermitTimeline(ctx, input.PermitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PermitTimelineEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerInstalls(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-install",
		Method:        http.MethodPost,
		Path:          "/installs",
		Summary:       "Record install photo set",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateInstallRequest `json:"body"`
	}) (*struct {
		Body domain.InstallPhotoSet `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateInstallPhotoSet(ctx, engine.InstallCreateOptions{
			ID:         deref(input.Body.ID),
			ProjectID:  input.Body.ProjectID,
			ScheduleID: deref(input.Body.ScheduleID),
			Phase:      input.Body.Phase,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InstallPhotoSet `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-off-install",
		Method:      http.MethodPost,
		Path:        "/installs/{install_id}/sign-off",
		Summary:     "Record install sign-off",
	}, func(ctx context.Context, input *struct {
		InstallID string         `path:"install_id"`
		Body      SignOffRequest `json:"body"`
	}) (*struct {
		Body domain.InstallPhotoSet `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SignOffInstall(ctx, input.InstallID, input.Body.InstallerSigned, input.Body.ReviewerSigned, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InstallPhotoSet `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-install-phase-status",
		Method:      http.MethodPost,
		Path:        "/installs/{install_id}/phase-status",
		Summary:     "Set install phase status",
	}, func(ctx context.Context, input *struct {
		InstallID string           `path:"install_id"`
		Body      SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.InstallPhotoSet `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetInstallPhaseStatus(ctx, input.InstallID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InstallPhotoSet `json:"body"`
		}{Body: s}, nil
	})
}

func registerFunding(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-funding-package",
		Method:        http.MethodPost,
		Path:          "/funding-packages",
		Summary:       "Create funding package",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateFundingRequest `json:"body"`
	}) (*struct {
		Body domain.FundingPackage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateFundingPackage(ctx, deref(input.Body.ID), input.Body.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FundingPackage `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-funding-status",
		Method:      http.MethodPost,
		Path:        "/funding-packages/{funding_id}/status",
		Summary:     "Set funding package status",
	}, func(ctx context.Context, input *struct {
		FundingID string           `path:"funding_id"`
		Body      SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.FundingPackage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.SetFundingStatus(ctx, input.FundingID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FundingPackage `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-audit",
		Method:        http.MethodPost,
		Path:          "/tax-credit-audits",
		Summary:       "Record tax credit audit result",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RecordAuditRequest `json:"body"`
	}) (*struct {
		Body domain.TaxCreditAudit `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordTaxCreditAudit(ctx, deref(input.Body.ID), input.Body.ProjectID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaxCreditAudit `json:"body"`
		}{Body: a}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Queue a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body EnqueueTaskRequest `json:"body"`
	}) (*struct {
		Body []domain.AiTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opt := engine.TaskEnqueueOptions{
			ProjectID: input.Body.ProjectID,
			Type:      input.Body.Type,
			Input:     input.Body.Input,
			Dedupe:    input.Body.Dedupe,
			CreatedBy: actorID,
		}
		if input.Body.Priority != nil {
			opt.Priority = *input.Body.Priority
		}
		if input.Body.MaxRetries != nil {
			opt.MaxRetries = *input.Body.MaxRetries
		}
		created, err := e.EnqueueTasks(ctx, opt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AiTask `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.AiTask `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilter{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AiTask `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.AiTask `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AiTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/claim",
		Summary:     "Claim the next pending task",
	}, func(ctx context.Context, input *struct {
		Body ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body domain.AiTask `json:"body"`
	}, error) {
		t, err := e.ClaimNextTask(ctx, input.Body.Type, input.Body.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AiTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a claimed task",
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TaskResultRequest `json:"body"`
	}) (*struct {
		Body domain.AiTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := taskResultOptions(input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CompleteTask(ctx, input.TaskID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AiTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Fail a claimed task",
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TaskResultRequest `json:"body"`
	}) (*struct {
		Body domain.AiTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := taskResultOptions(input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.FailTask(ctx, input.TaskID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AiTask `json:"body"`
		}{Body: t}, nil
	})
}

func taskResultOptions(req TaskResultRequest, actorID string) (engine.TaskResultOptions, error) {
	opts := engine.TaskResultOptions{ActorID: actorID}
	var err error
	if opts.Output, err = rawOrNil(req.Output); err != nil {
		return opts, err
	}
	if opts.AiAttempt, err = rawOrNil(req.AiAttempt); err != nil {
		return opts, err
	}
	if opts.LearningData, err = rawOrNil(req.LearningData); err != nil {
		return opts, err
	}
	return opts, nil
}

func registerAuthorities(api huma.API, e engine.Engine, registry *ahj.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-authorities",
		Method:      http.MethodGet,
		Path:        "/ahj",
		Summary:     "List authorities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Authority `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuthorities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Authority `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-authority",
		Method:      http.MethodPut,
		Path:        "/ahj/{ahj_id}",
		Summary:     "Upsert authority coverage",
	}, func(ctx context.Context, input *struct {
		AhjID string                 `path:"ahj_id"`
		Body  UpsertAuthorityRequest `json:"body"`
	}) (*struct {
		Body domain.Authority `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		a := domain.Authority{
			ID:       input.AhjID,
			Name:     input.Body.Name,
			State:    deref(input.Body.State),
			ZipCodes: input.Body.ZipCodes,
		}
		if a.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid-argument", "name is required", nil)
		}
		if err := registry.Upsert(ctx, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Authority `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-authority",
		Method:      http.MethodGet,
		Path:        "/ahj/{ahj_id}",
		Summary:     "Get authority",
	}, func(ctx context.Context, input *struct {
		AhjID string `path:"ahj_id"`
	}) (*struct {
		Body domain.Authority `json:"body"`
	}, error) {
		a, err := e.Repo.GetAuthority(ctx, input.AhjID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Authority `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerWebhooks(api huma.API, e engine.Engine, rl *relay.Relay) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook-log",
		Method:        http.MethodPost,
		Path:          "/webhooks/logs",
		Summary:       "Store a webhook request for delivery tracking",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateWebhookLogRequest `json:"body"`
	}) (*struct {
		Body domain.WebhookLog `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid-argument", "url is required", nil)
		}
		payload, err := rawOrNil(input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		headers := ""
		if input.Body.Headers != nil {
			data, err := json.Marshal(input.Body.Headers)
			if err != nil {
				return nil, handleError(err)
			}
			headers = string(data)
		}
		entry := domain.WebhookLog{
			ID:        uuid.NewString(),
			URL:       input.Body.URL,
			Method:    deref(input.Body.Method),
			Payload:   payload,
			Headers:   headers,
			Source:    deref(input.Body.Source),
			Status:    "pending",
			CreatedAt: rl.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertWebhookLog(ctx, entry); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WebhookLog `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-logs",
		Method:      http.MethodGet,
		Path:        "/webhooks/logs",
		Summary:     "List webhook logs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,delivered,failed,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WebhookLog `json:"body"`
	}, error) {
		items, err := e.Repo.ListWebhookLogs(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WebhookLog `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-webhook",
		Method:      http.MethodPost,
		Path:        "/admin/retry-webhook",
		Summary:     "Replay one webhook log immediately",
	}, func(ctx context.Context, input *struct {
		Body RetryWebhookRequest `json:"body"`
	}) (*struct {
		Body RetryWebhookResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Body.LogID == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid-argument", "log_id is required", nil)
		}
		original, err := e.Repo.GetWebhookLog(ctx, input.Body.LogID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not-found", "webhook log not found", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if original.URL == "" {
			return nil, newAPIError(http.StatusConflict, "failed-precondition", "log has no URL", nil)
		}
		entry, res, err := rl.RetryNow(ctx, original)
		if err != nil {
			return nil, handleError(err)
		}
		var out RetryWebhookResponse
		out.Log = entry
		out.Result.Success = res.Success
		out.Result.StatusCode = res.StatusCode
		out.Result.ResponseBody = res.ResponseBody
		out.Result.Error = res.Error
		return &struct {
			Body RetryWebhookResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/admin/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid-argument", "actor_id is required", nil)
		}
		// The plaintext key is returned once and only its hash stored.
		plaintext := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      deref(input.Body.Name),
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/admin/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/admin/api-keys/{key_id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerIntegrations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-config-status",
		Method:      http.MethodPost,
		Path:        "/admin/sync-config-status",
		Summary:     "Sync integration connection status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.IntegrationStatus `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := integrations.Sync(ctx, e.Repo, e.Config, e.Now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IntegrationStatus `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-integration-status",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "List integration connection status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.IntegrationStatus `json:"body"`
	}, error) {
		items, err := e.Repo.ListIntegrationStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IntegrationStatus `json:"body"`
		}{Body: items}, nil
	})
}
