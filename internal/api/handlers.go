package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"syncbridge/internal/service"
	"syncbridge/internal/webhook"
)

// maxWebhookBody caps a notification batch; vendors send at most a few hundred entries.
const maxWebhookBody = 4 << 20

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body []byte
	if r.Method == http.MethodPost {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
	}

	res, err := s.svc.HandleWebhook(r.Context(), r.PathValue("vendor"), r.Header, r.URL.Query(), body)
	switch {
	case errors.Is(err, webhook.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	case errors.Is(err, webhook.ErrUnknownVendor):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	if res.ValidationToken != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, res.ValidationToken)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *HTTPServer) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	opts, err := queueOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.RequestID = requestIDFrom(r.Context())

	res, err := s.svc.ProcessQueue(r.Context(), opts)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if res.Locked {
		writeJSON(w, http.StatusConflict, map[string]any{"locked": true, "requestId": res.RequestID})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := strings.TrimSpace(q.Get("source"))
	if source == "" {
		source = "planner"
	}
	qopts, err := queueOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	qopts.RequestID = requestIDFrom(r.Context())

	opts := service.PollOptions{
		Reset:   boolParam(q.Get("reset")),
		Process: boolParam(q.Get("process")),
		Queue:   qopts,
	}
	sum, err := s.svc.Poll(r.Context(), source, opts)
	if errors.Is(err, service.ErrUnsupportedSource) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *HTTPServer) handleEnsureSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts, err := subscriptionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.svc.EnsureSubscriptions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRenewSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts, err := subscriptionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.svc.RenewSubscriptions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleDeleteSubscriptions(w http.ResponseWriter, r *http.Request) {
	opts, err := subscriptionOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.svc.DeleteSubscriptions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.svc.ListSubscriptions(r.Context(), strings.TrimSpace(r.URL.Query().Get("source")))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode, err := s.svc.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": mode, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": mode})
}

func queueOptions(r *http.Request) (service.QueueOptions, error) {
	q := r.URL.Query()
	var opts service.QueueOptions
	if raw := q.Get("maxJobs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return opts, errors.New("maxJobs must be a positive integer")
		}
		opts.MaxJobs = n
	}
	if raw := q.Get("graceMs"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return opts, errors.New("graceMs must be a non-negative integer")
		}
		opts.GraceMs = &n
	}
	if raw := q.Get("preferBc"); raw != "" {
		v := boolParam(raw)
		opts.PreferBC = &v
	}
	opts.DryRun = boolParam(q.Get("dryRun"))
	return opts, nil
}

func subscriptionOptions(r *http.Request) (service.SubscriptionOptions, error) {
	q := r.URL.Query()
	opts := service.SubscriptionOptions{
		Source:        strings.TrimSpace(q.Get("source")),
		ForceRecreate: boolParam(q.Get("forceRecreate")),
	}
	if raw := q.Get("bufferHours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errors.New("bufferHours must be a non-negative integer")
		}
		opts.BufferHours = n
	}
	return opts, nil
}

func boolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
