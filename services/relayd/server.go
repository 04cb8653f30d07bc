// Package relayd is the artifact-relay metadata service. It owns the
// label -> bundle mapping and the retention window; bundle bytes live in the
// object store and never pass through this service.
package relayd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"packline/pkg/db"
	"packline/services/relay"
)

const defaultRetention = 24 * time.Hour

// Server wires the metadata store and configuration for HTTP handlers.
type Server struct {
	pool   *pgxpool.Pool
	orm    *gorm.DB
	cfg    Config
	logger zerolog.Logger
}

// NewServer initialises the server with sane defaults applied to the
// provided configuration. A nil pool disables the health probe's database
// check.
func NewServer(pool *pgxpool.Pool, orm *gorm.DB, cfg Config, logger zerolog.Logger) (*Server, error) {
	if orm == nil {
		return nil, errors.New("relayd: orm is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("relayd: artifact bucket is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	return &Server{pool: pool, orm: orm, cfg: cfg, logger: logger}, nil
}

// Routes constructs the chi router containing all relayd endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/artifacts", s.handleRegister)
		r.Get("/artifacts/{label}", s.handleLookup)
		r.Post("/publishes", s.handleRecordPublish)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pool != nil {
		if err := db.Ping(r.Context(), s.pool); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req relay.Record
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Label = strings.TrimSpace(req.Label)
	req.Kind = strings.TrimSpace(req.Kind)
	req.SHA256 = strings.TrimSpace(req.SHA256)
	if req.Label == "" || req.Kind == "" || req.SHA256 == "" {
		respondError(w, http.StatusBadRequest, errors.New("label, kind and sha256 are required"))
		return
	}
	if req.Size <= 0 {
		respondError(w, http.StatusBadRequest, errors.New("size must be positive"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	now := time.Now().UTC()
	model := artifactModel{
		ID:        uuid.New(),
		Label:     req.Label,
		Kind:      req.Kind,
		SHA256:    req.SHA256,
		Size:      req.Size,
		Bucket:    s.cfg.Bucket,
		Key:       fmt.Sprintf("relay/%s/%s.tar.zst", req.Label, uuid.New()),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Retention),
	}

	// Re-registering a label supersedes the previous bundle; the sweeper
	// reclaims the orphaned object once the old expiry passes.
	err := s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "label"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "kind", "sha256", "size", "bucket", "key", "created_at", "expires_at",
		}),
	}).Create(&model).Error
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	artifactsRegistered.Inc()
	s.logger.Info().Str("label", model.Label).Str("key", model.Key).Msg("artifact registered")
	respondJSON(w, http.StatusCreated, model.toRecord())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model artifactModel
	err := s.orm.WithContext(ctx).Where("label = ?", label).First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, fmt.Errorf("no artifact stored under %q", label))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if time.Now().After(model.ExpiresAt) {
		artifactsExpired.Inc()
		respondError(w, http.StatusGone, fmt.Errorf("artifact %q expired at %s", label, model.ExpiresAt.Format(time.RFC3339)))
		return
	}

	artifactsFetched.Inc()
	respondJSON(w, http.StatusOK, model.toRecord())
}

type publishRequest struct {
	Label   string `json:"label,omitempty"`
	Channel string `json:"channel"`
	BuildID string `json:"build_id,omitempty"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) handleRecordPublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Channel == "" || req.Status == "" {
		respondError(w, http.StatusBadRequest, errors.New("channel and status are required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model := publishModel{
		ID:      uuid.New(),
		Channel: req.Channel,
		BuildID: req.BuildID,
		Status:  req.Status,
		Detail:  req.Detail,
	}

	if req.Label != "" {
		var artifact artifactModel
		err := s.orm.WithContext(ctx).Where("label = ?", req.Label).First(&artifact).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// The artifact may already have been swept; record the
			// publish without the link.
		case err != nil:
			respondError(w, http.StatusInternalServerError, err)
			return
		default:
			model.ArtifactID = &artifact.ID
		}
	}

	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info().Str("channel", model.Channel).Str("status", model.Status).Str("build_id", model.BuildID).Msg("publish recorded")
	respondJSON(w, http.StatusCreated, map[string]string{"id": model.ID.String()})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
