package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
	"github.com/ternarybob/shutter/internal/models"
)

// ScreenshotHandler exposes the single-shot capture pipeline.
type ScreenshotHandler struct {
	capturer interfaces.Capturer
	logger   arbor.ILogger
}

func NewScreenshotHandler(capturer interfaces.Capturer, logger arbor.ILogger) *ScreenshotHandler {
	return &ScreenshotHandler{capturer: capturer, logger: logger}
}

// Capture handles GET (query params) and POST (JSON body) capture requests.
func (h *ScreenshotHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req models.ScreenshotRequest
	var err error

	switch r.Method {
	case http.MethodGet:
		req, err = requestFromQuery(r)
	case http.MethodPost:
		req.UseCache = true
		err = json.NewDecoder(r.Body).Decode(&req)
	default:
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	if err != nil {
		WriteError(w, common.NewServiceError(common.ErrValidation, "malformed request", err))
		return
	}

	result, err := h.capturer.Capture(r.Context(), req)
	if err != nil {
		h.logger.Warn().Str("url", req.URL).Err(err).Msg("Capture request failed")
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// requestFromQuery builds a capture request from ?url=&width=&height=&format=&cache=.
func requestFromQuery(r *http.Request) (models.ScreenshotRequest, error) {
	q := r.URL.Query()
	req := models.ScreenshotRequest{
		URL:      q.Get("url"),
		Format:   q.Get("format"),
		UseCache: true,
	}

	if v := q.Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, err
		}
		req.Width = n
	}
	if v := q.Get("height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, err
		}
		req.Height = n
	}
	if v := q.Get("cache"); v != "" {
		use, err := strconv.ParseBool(v)
		if err != nil {
			return req, err
		}
		req.UseCache = use
	}
	return req, nil
}
