package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"retroboard/api/internal/auth"
)

const displayNameHeader = "X-Display-Name"

type HTTPOptions struct {
	CORSOrigin     string
	IdentitySecret []byte
	IdentityTTL    time.Duration
	Logger         *zap.Logger
}

type HTTPServer struct {
	service  *Service
	opts     HTTPOptions
	identity *auth.Signer
	logger   *zap.Logger
	router   chi.Router
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdentityTTL <= 0 {
		opts.IdentityTTL = 365 * 24 * time.Hour
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &HTTPServer{
		service:  service,
		opts:     opts,
		identity: auth.NewSigner(opts.IdentitySecret, opts.IdentityTTL),
		logger:   opts.Logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withAccessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.withCORS)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.withIdentity)

		r.Route("/api/boards/{boardID}", func(r chi.Router) {
			r.Get("/cards", s.handleListCards)
			r.Post("/cards", s.handleCreateCard)
			r.Get("/quota/cards", s.handleCardQuota)
			r.Get("/quota/reactions", s.handleReactionQuota)
		})

		r.Route("/api/cards/{cardID}", func(r chi.Router) {
			r.Get("/", s.handleGetCard)
			r.Delete("/", s.handleDeleteCard)
			r.Put("/content", s.handleUpdateContent)
			r.Put("/column", s.handleMoveColumn)
			r.Post("/links", s.handleLink)
			r.Delete("/links", s.handleUnlink)
			r.Put("/reaction", s.handleAddReaction)
			r.Delete("/reaction", s.handleRemoveReaction)
		})
	})

	s.router = r
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListCards(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cards, err := s.service.ListCardsForBoard(r.Context(), chi.URLParam(r, "boardID"), ListFilter{
		Kind:     query.Get("kind"),
		ColumnID: query.Get("column"),
		Query:    query.Get("q"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *HTTPServer) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var body CreateCardInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.BoardID = chi.URLParam(r, "boardID")
	card, err := s.service.CreateCard(r.Context(), body, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"card": ViewOf(card)})
}

func (s *HTTPServer) handleCardQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := s.service.GetCardQuota(r.Context(), chi.URLParam(r, "boardID"), identityFrom(r.Context()).Hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *HTTPServer) handleReactionQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := s.service.GetReactionQuota(r.Context(), chi.URLParam(r, "boardID"), identityFrom(r.Context()).Hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *HTTPServer) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.service.GetCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": ViewOf(card)})
}

func (s *HTTPServer) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeleteCard(r.Context(), chi.URLParam(r, "cardID"), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	card, err := s.service.UpdateContent(r.Context(), chi.URLParam(r, "cardID"), body.Content, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": ViewOf(card)})
}

func (s *HTTPServer) handleMoveColumn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ColumnID string `json:"columnId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	card, err := s.service.MoveColumn(r.Context(), chi.URLParam(r, "cardID"), body.ColumnID, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": ViewOf(card)})
}

type linkBody struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
}

// readLinkBody accepts the pair from a JSON body or, for DELETE requests
// without one, from the query string.
func readLinkBody(r *http.Request) (linkBody, error) {
	var body linkBody
	if err := decodeBody(r, &body); err != nil {
		return linkBody{}, err
	}
	query := r.URL.Query()
	if body.TargetID == "" {
		body.TargetID = query.Get("targetId")
	}
	if body.Type == "" {
		body.Type = query.Get("type")
	}
	return body, nil
}

func (s *HTTPServer) handleLink(w http.ResponseWriter, r *http.Request) {
	body, err := readLinkBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Link(r.Context(), chi.URLParam(r, "cardID"), body.TargetID, body.Type, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUnlink(w http.ResponseWriter, r *http.Request) {
	body, err := readLinkBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Unlink(r.Context(), chi.URLParam(r, "cardID"), body.TargetID, body.Type, identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind string `json:"kind"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	reaction, created, err := s.service.AddOrUpdateReaction(r.Context(), chi.URLParam(r, "cardID"), identityFrom(r.Context()), body.Kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"reaction": reaction, "created": created})
}

func (s *HTTPServer) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	reaction, err := s.service.RemoveReaction(r.Context(), chi.URLParam(r, "cardID"), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaction": reaction})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

type identityKey struct{}

func identityFrom(ctx context.Context) Identity {
	identity, _ := ctx.Value(identityKey{}).(Identity)
	return identity
}

// withIdentity resolves the signed identity cookie, issuing a fresh one when
// it is missing or invalid. The owner identity is a hash of the cookie subject.
func (s *HTTPServer) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject string
		if cookie, err := r.Cookie(auth.CookieName); err == nil {
			if claims, err := s.identity.Parse(cookie.Value); err == nil {
				subject = claims.Sub
			}
		}
		if subject == "" {
			subject = uuid.NewString()
			token, err := s.identity.Issue(subject)
			if err != nil {
				s.fail(w, r, fmt.Errorf("issue identity: %w", err))
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     auth.CookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   int(s.identity.TTL().Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		identity := Identity{
			Hash:  auth.HashToken(subject),
			Alias: strings.TrimSpace(r.Header.Get(displayNameHeader)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *HTTPServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.opts.CORSOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := middleware.GetReqID(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("Request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+displayNameHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

var kindStatus = map[ErrorKind]int{
	KindValidation:          http.StatusUnprocessableEntity,
	KindNotFound:            http.StatusNotFound,
	KindForbidden:           http.StatusForbidden,
	KindConflict:            http.StatusConflict,
	KindLimitReached:        http.StatusTooManyRequests,
	KindInvalidRelationship: http.StatusUnprocessableEntity,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		status, ok := kindStatus[domainErr.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
