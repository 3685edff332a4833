package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"spendwise/db"
	"spendwise/monitoring"
	"spendwise/serving"
	spendErrors "spendwise/pkg/errors"
)

const defaultHistoryLimit = 20

// StatusProvider reports the bootstrap lifecycle. *serving.Bootstrapper
// implements it.
type StatusProvider interface {
	State() serving.State
	Err() error
}

// HistoryStore lists past training runs. *db.Store implements it.
type HistoryStore interface {
	LoadTrainingLog(ctx context.Context, limit int) ([]db.TrainingLog, error)
}

// Dependencies are the collaborators handed to the API. Only Logger is
// required.
type Dependencies struct {
	Status  StatusProvider
	History HistoryStore
	Events  http.Handler
	Metrics *monitoring.MetricsCollector
	Logger  *zap.Logger
}

// API holds the request handlers. Prediction and evaluation routes answer
// 503 until SetService is called.
type API struct {
	service atomic.Pointer[serving.Service]
	deps    Dependencies
	log     *zap.Logger
}

// NewAPI 创建API
func NewAPI(deps Dependencies) *API {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics != nil {
		deps.Metrics.Describe("predictions_total", "Predictions served.")
		deps.Metrics.Describe("evaluations_total", "Evaluation runs by outcome.")
		deps.Metrics.Describe("model_ready", "1 once the model is loaded.")
		deps.Metrics.SetGauge("model_ready", 0, nil)
	}
	return &API{deps: deps, log: deps.Logger.Named("api")}
}

// SetService publishes the loaded service to request handlers.
func (a *API) SetService(svc *serving.Service) {
	a.service.Store(svc)
	if a.deps.Metrics != nil {
		a.deps.Metrics.SetGauge("model_ready", 1, nil)
	}
}

// RegisterHandlers 注册所有处理器
func (a *API) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /predict", a.requireReady(a.handlePredict))
	mux.HandleFunc("POST /test", a.requireReady(a.handleTest))
	mux.HandleFunc("GET /api/training/history", a.handleTrainingHistory)
	if a.deps.Metrics != nil {
		mux.Handle("GET /api/metrics", a.deps.Metrics.Handler())
	}
	if a.deps.Events != nil {
		mux.Handle("GET /api/ws/events", a.deps.Events)
	}
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Expense Prediction API!"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	svc := a.service.Load()
	switch {
	case svc != nil:
		resp["status"] = serving.Ready.String()
		resp["generation"] = svc.Resources.Generation()
	case a.deps.Status != nil:
		state := a.deps.Status.State()
		resp["status"] = state.String()
		if err := a.deps.Status.Err(); err != nil {
			resp["error"] = spendErrors.KindName(err)
		}
	default:
		resp["status"] = serving.Uninitialized.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireReady answers 503 while no service is loaded.
func (a *API) requireReady(next func(http.ResponseWriter, *http.Request, *serving.Service)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := a.service.Load()
		if svc == nil {
			detail := "model is initializing"
			if a.deps.Status != nil && a.deps.Status.State() == serving.Failed {
				detail = "model failed to load"
			}
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not_ready", Detail: detail})
			return
		}
		next(w, r, svc)
	}
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request, svc *serving.Service) {
	var req serving.PredictRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	pred, err := svc.Inference.Predict(r.Context(), req)
	if err != nil {
		a.logFailure(r, "prediction failed", err)
		writeError(w, err)
		return
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.IncrCounter("predictions_total", 1, nil)
	}
	writeJSON(w, http.StatusOK, pred)
}

type testRequest struct {
	Path string `json:"path"`
}

func (a *API) handleTest(w http.ResponseWriter, r *http.Request, svc *serving.Service) {
	var req testRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	report, err := svc.Evaluation.Evaluate(r.Context(), req.Path)
	if a.deps.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = spendErrors.KindName(err)
		}
		a.deps.Metrics.IncrCounter("evaluations_total", 1, map[string]string{"outcome": outcome})
	}
	if err != nil {
		a.logFailure(r, "evaluation failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleTrainingHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, spendErrors.NewValidationError("TrainingHistory", "limit must be a positive integer", "limit"))
			return
		}
		limit = n
	}
	if a.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []db.TrainingLog{}})
		return
	}
	runs, err := a.deps.History.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		a.logFailure(r, "cannot load training history", err)
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []db.TrainingLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) logFailure(r *http.Request, msg string, err error) {
	fields := []zap.Field{
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("kind", spendErrors.KindName(err)),
		zap.Error(err),
	}
	if spendErrors.HTTPStatus(err) >= http.StatusInternalServerError {
		a.log.Error(msg, fields...)
		return
	}
	a.log.Info(msg, fields...)
}

// decodeBody reads a JSON object into v. An empty body is accepted only
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return spendErrors.NewValidationError("DecodeRequest", "fields must be present and numeric", typeErr.Field)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return spendErrors.NewValidationError("DecodeRequest", "request body too large")
	}
	return spendErrors.NewValidationError("DecodeRequest", "request body must be a JSON object: "+err.Error())
}

type errorBody struct {
	Error  string   `json:"error"`
	Detail string   `json:"detail"`
	Fields []string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, spendErrors.HTTPStatus(err), errorBody{
		Error:  spendErrors.KindName(err),
		Detail: err.Error(),
		Fields: spendErrors.Fields(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
