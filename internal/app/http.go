package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vibefield/api/internal/geo"
	"vibefield/api/internal/venues"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
			"venues":  map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		// The catalog is optional; losing it degrades venue ranking but
		// never takes the service out of rotation.
		if !s.service.CatalogHealthy() {
			checks["venues"] = map[string]any{"status": "degraded"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Internal sync routes are gated on the shared token, not on identity.
	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/venues" {
		if !s.authorizeSync(w, r) {
			return
		}
		var body struct {
			Venues []venues.Candidate `json:"venues"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Venues) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "venues is required", nil)
			return
		}
		payload, err := s.service.SeedVenues(r.Context(), body.Venues)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/friendships" {
		if !s.authorizeSync(w, r) {
			return
		}
		var body struct {
			IdentityID string `json:"identityId"`
			FriendID   string `json:"friendId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SeedFriendship(r.Context(), strings.TrimSpace(body.IdentityID), strings.TrimSpace(body.FriendID)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/presence" {
		var body UpsertPresenceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpsertPresence(r.Context(), identityID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/presence" {
		payload, err := s.service.OwnPresence(r.Context(), identityID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/presence/nearby" {
		center, err := queryPoint(r, "lat", "lng")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		radiusM, err := queryFloat(r, "radiusM", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		visibility := strings.TrimSpace(r.URL.Query().Get("visibility"))
		includeSelf := r.URL.Query().Get("includeSelf") == "true"
		payload, err := s.service.Nearby(r.Context(), identityID, center, radiusM, visibility, includeSelf)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tiles" {
		box, err := queryBBox(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		res := geo.ResolutionDistrict
		if raw := strings.TrimSpace(r.URL.Query().Get("res")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "res must be an integer", nil)
				return
			}
			res = geo.Resolution(parsed)
		}
		payload, err := s.service.Tiles(r.Context(), box, res)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/convergence/friends" {
		payload, err := s.service.ConvergenceFriends(r.Context(), identityID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/convergence/venues" {
		peerID := strings.TrimSpace(r.URL.Query().Get("peerId"))
		radiusM, err := queryFloat(r, "radiusM", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.ConvergenceVenues(r.Context(), identityID, peerID, radiusM)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/flow/momentum" {
		payload, err := s.service.FlowMomentum(r.Context(), identityID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/flow/cohesion" {
		payload, err := s.service.FlowCohesion(r.Context(), identityID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireIdentity reads the caller identity established by the identity
// collaborator upstream. This service trusts the gateway.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identityID := strings.TrimSpace(r.Header.Get("X-Identity-ID"))
	if identityID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return identityID, true
}

func (s *HTTPServer) authorizeSync(w http.ResponseWriter, r *http.Request) bool {
	syncToken := strings.TrimSpace(r.Header.Get("x-vibefield-sync-token"))
	if syncToken == "" || syncToken != s.service.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func queryFloat(r *http.Request, name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return parsed, nil
}

func queryPoint(r *http.Request, latName, lngName string) (geo.Point, error) {
	latRaw := strings.TrimSpace(r.URL.Query().Get(latName))
	lngRaw := strings.TrimSpace(r.URL.Query().Get(lngName))
	if latRaw == "" || lngRaw == "" {
		return geo.Point{}, fmt.Errorf("%s and %s are required", latName, lngName)
	}
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%s must be a number", latName)
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%s must be a number", lngName)
	}
	return geo.Point{Lat: lat, Lng: lng}, nil
}

func queryBBox(r *http.Request) (geo.BBox, error) {
	min, err := queryPoint(r, "minLat", "minLng")
	if err != nil {
		return geo.BBox{}, err
	}
	max, err := queryPoint(r, "maxLat", "maxLng")
	if err != nil {
		return geo.BBox{}, err
	}
	return geo.BBox{MinLat: min.Lat, MinLng: min.Lng, MaxLat: max.Lat, MaxLng: max.Lng}, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Identity-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
