// Package api provides the REST API for the scanner session.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"scanlink/engine"
	"scanlink/sane"
	"scanlink/scanman"
)

// opTimeout bounds every session operation started from a request.
const opTimeout = 30 * time.Second

type handlers struct {
	eng *engine.Engine
	hub *eventHub
}

// NewRouter creates the REST API router. The returned cleanup func detaches
// the SSE hub from the engine.
func NewRouter(eng *engine.Engine) (chi.Router, func()) {
	h := &handlers{eng: eng, hub: newEventHub()}
	cleanup := h.setupSSE()

	r := chi.NewRouter()

	r.Get("/", h.handleStatus)
	r.Get("/status", h.handleStatus)
	r.Get("/status/{code}", h.handleStatusString)
	r.Get("/events", h.handleSSE)

	r.Post("/init", h.handleInit)
	r.Get("/devices", h.handleDevices)
	r.Post("/open", h.handleOpen)
	r.Post("/close", h.handleClose)

	r.Get("/options", h.handleOptions)
	r.Get("/options/{name}", h.handleOption)
	r.Put("/options/{name}", h.handleSetOption)
	r.Get("/descriptors/{index}", h.handleDescriptor)
	r.Get("/values/{index}", h.handleValue)
	r.Put("/values/{index}", h.handleSetValue)
	r.Get("/parameters", h.handleParameters)

	r.Post("/scan", h.handleScan)
	r.Post("/cancel", h.handleCancel)
	r.Get("/jobs", h.handleJobs)
	r.Get("/jobs/{id}", h.handleJob)
	r.Get("/jobs/{id}/image", h.handleJobImage)
	r.Get("/history", h.handleHistory)

	r.Get("/services", h.handleServices)
	r.Post("/services/{kind}/{name}/start", h.handleStartService)
	r.Post("/services/{kind}/{name}/stop", h.handleStopService)

	return r, cleanup
}

func opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), opTimeout)
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.eng.GetScanMgr().Status(), nil)
}

// StatusInfo describes one status code.
type StatusInfo struct {
	Code    sane.Status `json:"code"`
	Name    string      `json:"name"`
	Message string      `json:"message"`
}

func (h *handlers) handleStatusString(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "status code must be an integer")
		return
	}
	st := sane.Status(code)
	writeResult(w, StatusInfo{Code: st, Name: st.String(), Message: h.eng.GetScanMgr().StatusString(st)}, nil)
}

// VersionResponse is the payload of POST /init.
type VersionResponse struct {
	Version sane.Version `json:"version"`
	Code    int32        `json:"code"`
}

func (h *handlers) handleInit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	v, err := h.eng.GetScanMgr().Initialize(ctx)
	writeResult(w, VersionResponse{Version: v, Code: v.Code()}, err)
}

func (h *handlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	local, _ := strconv.ParseBool(r.URL.Query().Get("local"))
	devs, err := h.eng.Discover(ctx, local)
	if devs == nil {
		devs = []sane.Device{}
	}
	writeResult(w, devs, err)
}

// OpenRequest is the body of POST /open.
type OpenRequest struct {
	Name string `json:"name"`
}

func (h *handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		req.Name = r.URL.Query().Get("name")
	}
	ctx, cancel := opContext(r)
	defer cancel()
	writeResult(w, nil, h.eng.OpenDevice(ctx, req.Name))
}

func (h *handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	writeResult(w, nil, h.eng.CloseDevice(ctx))
}

func (h *handlers) handleOptions(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.eng.GetScanMgr().Options(), nil)
}

func (h *handlers) handleOption(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	o, ok := h.eng.GetScanMgr().Option(name)
	if !ok {
		writeResult(w, nil, fmt.Errorf("%w: option '%s'", engine.ErrNotFound, name))
		return
	}
	writeResult(w, o, nil)
}

// SetRequest is the body of PUT /options/{name} and PUT /values/{index}.
// Auto, or a null value, selects the automatic value.
type SetRequest struct {
	Value interface{} `json:"value"`
	Auto  bool        `json:"auto,omitempty"`
}

// SetResponse reports the outcome of a write and the value read back.
type SetResponse struct {
	Info  sane.Info  `json:"info"`
	Value sane.Value `json:"value"`
}

func (h *handlers) handleSetOption(w http.ResponseWriter, r *http.Request) {
	var req SetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Auto {
		req.Value = nil
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := opContext(r)
	defer cancel()
	info, err := h.eng.SetOption(ctx, name, req.Value)
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	o, _ := h.eng.GetScanMgr().Option(name)
	writeResult(w, SetResponse{Info: info, Value: o.Value}, nil)
}

func indexParam(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: option index must be a non-negative integer", engine.ErrInvalidInput)
	}
	return idx, nil
}

func (h *handlers) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	idx, err := indexParam(r)
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	desc, err := h.eng.GetScanMgr().OptionDescriptor(ctx, idx)
	if err == nil && desc == nil {
		err = fmt.Errorf("%w: no option %d", engine.ErrNotFound, idx)
	}
	writeResult(w, desc, err)
}

func (h *handlers) handleValue(w http.ResponseWriter, r *http.Request) {
	idx, err := indexParam(r)
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	v, err := h.eng.GetScanMgr().OptionValue(ctx, idx)
	writeResult(w, v, err)
}

func (h *handlers) handleSetValue(w http.ResponseWriter, r *http.Request) {
	idx, err := indexParam(r)
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	var req SetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()

	mgr := h.eng.GetScanMgr()
	var info sane.Info
	if req.Auto || req.Value == nil {
		info, err = mgr.SetOptionAuto(ctx, idx)
	} else {
		info, err = mgr.SetOptionValue(ctx, idx, req.Value)
	}
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	v, err := mgr.OptionValue(ctx, idx)
	writeResult(w, SetResponse{Info: info, Value: v}, err)
}

func (h *handlers) handleParameters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	p, err := h.eng.GetScanMgr().Parameters(ctx)
	writeResult(w, p, err)
}

func (h *handlers) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanman.ScanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	info, err := h.eng.Scan(req)
	writeResult(w, info, err)
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opContext(r)
	defer cancel()
	writeResult(w, nil, h.eng.CancelScan(ctx))
}

func (h *handlers) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.eng.GetScanMgr().Jobs(), nil)
}

func (h *handlers) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.eng.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	writeResult(w, job.Info(), nil)
}

// handleJobImage returns the PNG of a finished job. The body is the image
// itself, not an envelope.
func (h *handlers) handleJobImage(w http.ResponseWriter, r *http.Request) {
	job, err := h.eng.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeResult(w, nil, err)
		return
	}
	data := job.PNG()
	if data == nil {
		writeResult(w, nil, fmt.Errorf("%w: job %s has no image", engine.ErrNotFound, job.ID()))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	store := h.eng.GetHistory()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "job history is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := opContext(r)
	defer cancel()
	recs, err := store.List(ctx, r.URL.Query().Get("device"), limit)
	writeResult(w, recs, err)
}

func (h *handlers) handleServices(w http.ResponseWriter, r *http.Request) {
	svcs := h.eng.Services()
	if svcs == nil {
		svcs = []engine.ServiceInfo{}
	}
	writeResult(w, svcs, nil)
}

func (h *handlers) handleStartService(w http.ResponseWriter, r *http.Request) {
	writeResult(w, nil, h.eng.StartService(chi.URLParam(r, "kind"), chi.URLParam(r, "name")))
}

func (h *handlers) handleStopService(w http.ResponseWriter, r *http.Request) {
	writeResult(w, nil, h.eng.StopService(chi.URLParam(r, "kind"), chi.URLParam(r, "name")))
}
