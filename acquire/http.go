// CLAUDE:SUMMARY JSON HTTP API on chi: acquire, save, list/stream/delete slots, item link registration, attribute extraction; error kind → status mapping.
package acquire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/fanart/preview"
	"github.com/hazyhaar/fanart/shield"
)

// RegisterHTTP mounts the API routes on r.
func (svc *Service) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		c := svc.Capabilities()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"strategies":    c.Strategies,
			"api_platforms": c.APIPlatforms,
			"rules":         c.Rules,
		})
	})

	r.Post("/api/acquire", svc.handleAcquire(false))
	r.Post("/api/extract", svc.handleExtract)

	r.Route("/api/items/{id}", func(r chi.Router) {
		r.Get("/", svc.handleGetItem)
		r.Put("/", svc.handlePutItem)
		r.Delete("/", svc.handleDeleteItem)
		r.Post("/acquire", svc.handleAcquire(true))
		r.Get("/preview", svc.handlePreviewBytes)
		r.Get("/previews", svc.handleListSlots)
		r.Post("/previews", svc.handleSave)
		r.Get("/previews/{idx}", svc.handlePreviewBytes)
		r.Delete("/previews/{idx}", svc.handleDeleteSlot)
	})
}

type acquireBody struct {
	URL         string `json:"url"`
	PreviewOnly bool   `json:"preview_only"`
	ForceMethod string `json:"force_method"`
}

func (svc *Service) handleAcquire(withItem bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body acquireBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req := Request{URL: body.URL, PreviewOnly: true, Force: preview.Method(body.ForceMethod)}
		if withItem {
			req.ItemID = chi.URLParam(r, "id")
			req.PreviewOnly = body.PreviewOnly
		}

		res, err := svc.Acquire(r.Context(), req)
		if err != nil {
			shield.GetLogger(r.Context()).Info("acquire: request failed", "error", err)
			writeError(w, err)
			return
		}
		if res.Status == "saved" {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":       res.Status,
				"request_id":   res.RequestID,
				"count":        res.Saved.Count,
				"url":          res.Saved.URL,
				"size":         res.Saved.Size,
				"content_type": res.Saved.ContentType,
				"strategy":     res.Saved.Strategy,
				"attempts":     res.Attempts,
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (svc *Service) handleSave(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ItemID = chi.URLParam(r, "id")
	res, err := svc.Save(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (svc *Service) handleListSlots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	slots, err := svc.Slots(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if slots == nil {
		slots = []Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "count": len(slots), "slots": slots})
}

// handlePreviewBytes serves /preview?index=N and /previews/{idx}.
func (svc *Service) handlePreviewBytes(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "idx")
	if raw == "" {
		raw = r.URL.Query().Get("index")
	}
	idx, err := parseIndex(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	slot, data, err := svc.Slot(r.Context(), chi.URLParam(r, "id"), idx)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", slot.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+slot.Hash+`"`)
	w.Header().Set("Cache-Control", "private, max-age=60")
	if match := r.Header.Get("If-None-Match"); match == `"`+slot.Hash+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (svc *Service) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	if !confirmed(w, r) {
		return
	}
	idx, err := parseIndex(chi.URLParam(r, "idx"))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := svc.DeleteSlot(r.Context(), chi.URLParam(r, "id"), idx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "remaining": n})
}

func (svc *Service) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if !confirmed(w, r) {
		return
	}
	if err := svc.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (svc *Service) handlePutItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Link string `json:"link"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := svc.RegisterItem(r.Context(), id, body.Link); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "link": body.Link})
}

func (svc *Service) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := svc.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (svc *Service) handleExtract(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string `json:"url"`
		Kind string `json:"kind"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m, err := svc.ExtractAttribute(r.Context(), body.URL, body.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// confirmed refuses destructive calls without ?confirm=true.
func confirmed(w http.ResponseWriter, r *http.Request) bool {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); ok {
		return true
	}
	writeJSON(w, http.StatusPreconditionRequired, map[string]string{
		"detail": "destructive operation: repeat with confirm=true",
		"kind":   "confirmation_required",
	})
	return false
}

func parseIndex(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: bad slot index %q", preview.ErrMalformedInput, raw)
	}
	return n, nil
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: request body: %v", preview.ErrMalformedInput, err)
}

// --- Helpers ---

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch preview.KindOf(err) {
	case "malformed_input":
		return http.StatusBadRequest
	case "no_candidates", "declined":
		return http.StatusUnprocessableEntity
	case "rate_limited":
		return http.StatusTooManyRequests
	case "auth_error", "render_crash", "non_success_status", "network_error":
		return http.StatusBadGateway
	case "timeout", "render_timeout":
		return http.StatusGatewayTimeout
	case "not_found":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"detail": err.Error(), "kind": preview.KindOf(err)}
	var de *preview.DispatchError
	if errors.As(err, &de) {
		body["attempts"] = de.Attempts
	}
	var rl *preview.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
	writeJSON(w, statusOf(err), body)
}
