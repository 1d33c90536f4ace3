// Package api serves the egress RPCs over HTTP with JSON bodies, both at
// twirp-style paths and at REST aliases
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/resources"
	"github.com/psantana5/ffmpeg-egress/pkg/service"
)

// TwirpPrefix is the path prefix of the RPC routes
const TwirpPrefix = "/twirp/egress.Egress/"

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// EgressHandler handles egress API requests
type EgressHandler struct {
	svc       service.Egress
	metrics   *metrics.Metrics
	admission *resources.Manager
	log       *logrus.Entry
}

// NewEgressHandler creates a handler. metrics and admission may be nil.
func NewEgressHandler(svc service.Egress, m *metrics.Metrics, admission *resources.Manager, log *logrus.Entry) *EgressHandler {
	return &EgressHandler{
		svc:       svc,
		metrics:   m,
		admission: admission,
		log:       logging.Or(log),
	}
}

// RegisterRoutes registers all API routes
func (h *EgressHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	// RPC routes
	r.HandleFunc(TwirpPrefix+"StartRoomCompositeEgress", rpc(h, "StartRoomCompositeEgress", body(h.svc.StartRoomCompositeEgress))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"StartTrackCompositeEgress", rpc(h, "StartTrackCompositeEgress", body(h.svc.StartTrackCompositeEgress))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"StartTrackEgress", rpc(h, "StartTrackEgress", body(h.svc.StartTrackEgress))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"UpdateLayout", rpc(h, "UpdateLayout", body(h.svc.UpdateLayout))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"UpdateStream", rpc(h, "UpdateStream", body(h.svc.UpdateStream))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"ListEgress", rpc(h, "ListEgress", body(h.svc.ListEgress))).Methods("POST")
	r.HandleFunc(TwirpPrefix+"StopEgress", rpc(h, "StopEgress", body(h.svc.StopEgress))).Methods("POST")

	// REST aliases (register specific routes before parameterized routes)
	r.HandleFunc("/egress/room", rpc(h, "StartRoomCompositeEgress", body(h.svc.StartRoomCompositeEgress))).Methods("POST")
	r.HandleFunc("/egress/track-composite", rpc(h, "StartTrackCompositeEgress", body(h.svc.StartTrackCompositeEgress))).Methods("POST")
	r.HandleFunc("/egress/track", rpc(h, "StartTrackEgress", body(h.svc.StartTrackEgress))).Methods("POST")
	r.HandleFunc("/egress", h.ListEgress).Methods("GET")
	r.HandleFunc("/egress/{id}", h.GetEgress).Methods("GET")
	r.HandleFunc("/egress/{id}/layout", rpc(h, "UpdateLayout", pathID(h.svc.UpdateLayout, func(req *models.UpdateLayoutRequest, id string) {
		req.EgressID = id
	}))).Methods("POST")
	r.HandleFunc("/egress/{id}/stream", rpc(h, "UpdateStream", pathID(h.svc.UpdateStream, func(req *models.UpdateStreamRequest, id string) {
		req.EgressID = id
	}))).Methods("POST")
	r.HandleFunc("/egress/{id}/stop", rpc(h, "StopEgress", pathID(h.svc.StopEgress, func(req *models.StopEgressRequest, id string) {
		req.EgressID = id
	}))).Methods("POST")
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string           `json:"status"`
	Active int              `json:"active"`
	Usage  *resources.Usage `json:"usage,omitempty"`
}

// Health reports liveness, the number of running egresses and host load
func (h *EgressHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Active: h.svc.ActiveCount()}
	if h.admission != nil {
		usage := h.admission.Usage()
		resp.Usage = &usage
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEgress handles GET /egress?room_name=&egress_id=&active=
func (h *EgressHandler) ListEgress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &models.ListEgressRequest{
		RoomName: q.Get("room_name"),
		EgressID: q.Get("egress_id"),
		Active:   q.Get("active") == "true" || q.Get("active") == "1",
	}
	resp, err := h.svc.ListEgress(r.Context(), req)
	h.respond(w, "ListEgress", resp, err)
}

// GetEgress handles GET /egress/{id}
func (h *EgressHandler) GetEgress(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetEgress(r.Context(), mux.Vars(r)["id"])
	h.respond(w, "GetEgress", info, err)
}

// rpc adapts a service call to an http.HandlerFunc that decodes the JSON
// body into Req. An empty body decodes as the zero request.
func rpc[Req, Resp any](h *EgressHandler, method string, call func(*http.Request, *Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := new(Req)
		if err := decode(r, req); err != nil {
			h.respond(w, method, nil, models.NewError(models.KindValidation, "decode", "invalid request body", err))
			return
		}
		resp, err := call(r, req)
		h.respond(w, method, resp, err)
	}
}

// body passes the decoded request straight to the service
func body[Req, Resp any](fn func(context.Context, *Req) (Resp, error)) func(*http.Request, *Req) (Resp, error) {
	return func(r *http.Request, req *Req) (Resp, error) {
		return fn(r.Context(), req)
	}
}

// pathID fills the egress id of a REST request from the {id} path variable
func pathID[Req any](fn func(context.Context, *Req) (*models.EgressInfo, error), set func(*Req, string)) func(*http.Request, *Req) (*models.EgressInfo, error) {
	return func(r *http.Request, req *Req) (*models.EgressInfo, error) {
		set(req, mux.Vars(r)["id"])
		return fn(r.Context(), req)
	}
}

func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *EgressHandler) respond(w http.ResponseWriter, method string, resp interface{}, err error) {
	if err != nil {
		status := StatusCode(err)
		h.metrics.ObserveRequest(method, Code(err))
		entry := h.log.WithError(err).WithField("method", method)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			entry.Error("Request failed")
		} else {
			entry.Debug("Request rejected")
		}
		writeError(w, err)
		return
	}
	h.metrics.ObserveRequest(method, "ok")
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
