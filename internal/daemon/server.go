package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gaffer/internal/registry"
	"gaffer/internal/worker"
)

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"worker worker-a1b2c3d4 not found"`
}

// apiError is the uniform error envelope for the control API.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, registry.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	if errors.Is(err, worker.ErrRunFinished) || errors.Is(err, worker.ErrRunNotRunning) {
		return newAPIError(http.StatusConflict, "conflict", err.Error())
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "not configured"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown event type"),
		strings.Contains(lowered, "no initialized workspace"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", msg)
	}
}

// Handler builds the HTTP handler for the daemon control API. There is no
// auth layer: the socket's filesystem permissions are the boundary.
func Handler(d *Daemon) http.Handler {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}
	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Gaffer Daemon API", Version)
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api, d)
	registerShutdown(api, d)
	registerWorkers(api, d)
	registerRuns(api, d)
	registerLogs(api, d)

	return router
}

func registerHealth(api huma.API, d *Daemon) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Daemon health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse
	}, error) {
		return &struct {
			Body HealthResponse
		}{Body: HealthResponse{Status: "ok", Version: Version, PID: os.Getpid(), Workers: d.workerCount()}}, nil
	})
}

func registerShutdown(api huma.API, d *Daemon) {
	huma.Register(api, huma.Operation{
		OperationID: "shutdown",
		Method:      http.MethodPost,
		Path:        "/shutdown",
		Summary:     "Stop the daemon",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ShutdownResponse
	}, error) {
		d.TriggerShutdown()
		return &struct {
			Body ShutdownResponse
		}{Body: ShutdownResponse{Status: "stopping"}}, nil
	})
}

func registerWorkers(api huma.API, d *Daemon) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Start a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body WorkerStartRequest
	}) (*struct {
		Body WorkerDetail
	}, error) {
		w, err := d.StartWorker(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerDetail
		}{Body: WorkerDetail{Worker: w}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include stopped workers"`
	}) (*struct {
		Body WorkerListResponse
	}, error) {
		workers, err := d.Registry.ListWorkers(ctx, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerListResponse
		}{Body: WorkerListResponse{Workers: workers}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/workers/{id}",
		Summary:     "Worker status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkerDetail
	}, error) {
		w, err := d.Registry.GetWorker(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := d.Registry.RunCounts(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerDetail
		}{Body: WorkerDetail{Worker: w, Runs: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-worker",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/stop",
		Summary:     "Stop a worker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body WorkerStopRequest
	}) (*struct {
		Body WorkerDetail
	}, error) {
		w, err := d.StopWorker(ctx, input.ID, input.Body.StopRuns)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerDetail
		}{Body: WorkerDetail{Worker: w}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-logs",
		Method:      http.MethodGet,
		Path:        "/workers/{id}/logs",
		Summary:     "Tail a worker's run logs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Lines int    `query:"lines" doc:"Max lines, 0 for all"`
	}) (*struct {
		Body LogResponse
	}, error) {
		lines, err := d.WorkerLogs(ctx, input.ID, input.Lines)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogResponse
		}{Body: LogResponse{Lines: lines}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "prune-workers",
		Method:      http.MethodDelete,
		Path:        "/workers",
		Summary:     "Prune terminal workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PruneResponse
	}, error) {
		removed, err := d.PruneWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PruneResponse
		}{Body: PruneResponse{Removed: removed}}, nil
	})
}

func registerRuns(api huma.API, d *Daemon) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Worker string `query:"worker"`
		Status string `query:"status"`
		All    bool   `query:"all" doc:"Lift the recency limit"`
	}) (*struct {
		Body RunListResponse
	}, error) {
		f := registry.RunFilters{WorkerID: input.Worker, Status: input.Status}
		if !input.All {
			f.Limit = 50
		}
		runs, err := d.Registry.ListRuns(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse
		}{Body: RunListResponse{Runs: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Run status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunEnvelope
	}, error) {
		run, err := d.Registry.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunEnvelope
		}{Body: RunEnvelope{Run: run}}, nil
	})

	type runAction struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/stop",
		Summary:     "Stop a run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runAction) (*struct {
		Body RunEnvelope
	}, error) {
		run, err := d.StopRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunEnvelope
		}{Body: RunEnvelope{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/pause",
		Summary:     "Pause a run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runAction) (*struct {
		Body RunEnvelope
	}, error) {
		run, err := d.PauseRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunEnvelope
		}{Body: RunEnvelope{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/resume",
		Summary:     "Resume a paused run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runAction) (*struct {
		Body RunEnvelope
	}, error) {
		run, err := d.ResumeRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunEnvelope
		}{Body: RunEnvelope{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-logs",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/logs",
		Summary:     "Tail a run's log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Lines int    `query:"lines" doc:"Max lines, 0 for all"`
	}) (*struct {
		Body LogResponse
	}, error) {
		lines, err := d.RunLogs(ctx, input.ID, input.Lines)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogResponse
		}{Body: LogResponse{Lines: lines}}, nil
	})
}

func registerLogs(api huma.API, d *Daemon) {
	huma.Register(api, huma.Operation{
		OperationID: "daemon-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Tail the daemon log",
	}, func(ctx context.Context, input *struct {
		Lines int `query:"lines" doc:"Max lines, 0 for all"`
	}) (*struct {
		Body LogResponse
	}, error) {
		lines, err := d.DaemonLogs(input.Lines)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogResponse
		}{Body: LogResponse{Lines: lines}}, nil
	})
}
