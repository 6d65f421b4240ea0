// Package main implements the recommendation API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/shopmind/reco-engine/engine/cache"
	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/encode"
	"github.com/shopmind/reco-engine/engine/graph"
	"github.com/shopmind/reco-engine/engine/indexer"
	"github.com/shopmind/reco-engine/engine/mirror"
	"github.com/shopmind/reco-engine/engine/rank"
	"github.com/shopmind/reco-engine/engine/recommend"
	"github.com/shopmind/reco-engine/engine/semantic"
	"github.com/shopmind/reco-engine/pkg/metrics"
	"github.com/shopmind/reco-engine/pkg/mid"
	"github.com/shopmind/reco-engine/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	NATSURL    string
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string
	QdrantURL  string
	Collection string
	EmbedURL   string
	EmbedModel string
	VisionURL  string
	MirrorPath string
	CORSOrigin string
	RateRPS    float64
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		NATSURL:    envOr("NATS_URL", nats.DefaultURL),
		Neo4jURL:   envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:  envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:  envOr("NEO4J_PASS", "password"),
		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "products"),
		EmbedURL:   envOr("EMBED_URL", "http://localhost:11434"),
		EmbedModel: envOr("EMBED_MODEL", "all-minilm"),
		VisionURL:  envOr("VISION_URL", "http://localhost:8500"),
		MirrorPath: envOr("MIRROR_PATH", "reco-mirror.db"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
		RateRPS:    envFloat("RATE_RPS", 100),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

var met = metrics.New()

var (
	mRequests = func(endpoint string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("reco_api_requests_total", "endpoint", endpoint), "Requests served per endpoint")
	}
	mEmptyResults = met.Counter("reco_api_empty_results_total", "Queries that returned no candidates")
	mQueryDur     = met.Histogram("reco_api_query_duration_seconds", "Recommendation query latency", nil)
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("reco-api"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	// --- Connect to Neo4j ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	// --- Open the sync ledger ---
	ledger, err := mirror.Open(cfg.MirrorPath)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer ledger.Close()

	// --- Build the recommendation service ---
	recoCache := cache.New()
	svc := recommend.New(recommend.Deps{
		Store:    vectorStore,
		Cache:    recoCache,
		Catalog:  catalog.NewClient(nc),
		Graph:    graph.New(neo4jDriver),
		Mirror:   ledger,
		Events:   recommend.NewNATSEvents(nc),
		TextEnc:  encode.NewTextEncoder(cfg.EmbedURL, cfg.EmbedModel),
		ImageEnc: encode.NewImageEncoder(cfg.VisionURL, logger),
		Logger:   logger,
	}, recommend.DefaultOptions())

	// The indexer runs in its own process; its upserts broadcast the
	// changed product so this process drops its cached results instead
	// of waiting out the TTL.
	invSub, err := indexer.SubscribeInvalidations(nc, func(productID int64) {
		recoCache.InvalidateProduct(productID)
	})
	if err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}
	defer invSub.Unsubscribe()

	met.CollectRuntime("reco_api", 15*time.Second)

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/products/{id}/similar", handleSimilar(svc, logger))
	mux.HandleFunc("GET /api/products/{id}/complementary", handleComplementary(svc, logger))
	mux.HandleFunc("DELETE /api/products/{id}/vector", handleDeleteVector(svc, logger))
	mux.HandleFunc("GET /api/search", handleTextSearch(svc, logger))
	mux.HandleFunc("POST /api/search/image", handleImageSearch(svc, logger))
	mux.HandleFunc("POST /api/personalized", handlePersonalized(svc, logger))
	mux.HandleFunc("GET /api/index/stats", handleStats(svc, logger))
	mux.Handle("GET /metrics", met.Handler())

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateRPS, Burst: int(cfg.RateRPS)})
	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("reco-api"),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(limiter),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SimilarResponse is one entry in similar-product listings.
type SimilarResponse struct {
	ProductID     int64   `json:"product_id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Similarity    float64 `json:"similarity"`
	BusinessScore float64 `json:"business_score"`
	Reason        string  `json:"reason"`
}

func handleSimilar(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("similar").Inc()
		start := time.Now()
		defer mQueryDur.Since(start)

		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid product id")
			return
		}

		q := recommend.SimilarQuery{
			VectorType:       r.URL.Query().Get("type"),
			N:                queryInt(r, "limit", 0),
			Strategy:         rank.Strategy(r.URL.Query().Get("strategy")),
			ExcludeSameBrand: r.URL.Query().Get("exclude_same_brand") == "true",
			Filters:          filtersFromQuery(r),
		}

		ranked, err := svc.SimilarProducts(r.Context(), id, q)
		if err != nil {
			logger.Error("similar query failed", "product_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if len(ranked) == 0 {
			mEmptyResults.Inc()
		}

		out := make([]SimilarResponse, len(ranked))
		for i, rk := range ranked {
			out[i] = SimilarResponse{
				ProductID:     rk.Product.ID,
				Name:          rk.Product.Name,
				Price:         rk.Product.Price,
				Similarity:    rk.Similarity,
				BusinessScore: rk.BusinessScore,
				Reason:        rk.Reason,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

func handleComplementary(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("complementary").Inc()
		start := time.Now()
		defer mQueryDur.Since(start)

		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid product id")
			return
		}

		hits, err := svc.Complementary(r.Context(), id, queryInt(r, "limit", 0))
		if err != nil {
			logger.Error("complementary query failed", "product_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if len(hits) == 0 {
			mEmptyResults.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

func handleDeleteVector(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("delete_vector").Inc()

		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid product id")
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			logger.Error("vector delete failed", "product_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTextSearch(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("search").Inc()
		start := time.Now()
		defer mQueryDur.Since(start)

		query := r.URL.Query().Get("q")
		if query == "" {
			writeError(w, http.StatusBadRequest, "q is required")
			return
		}

		hits, err := svc.TextSearch(r.Context(), query, queryInt(r, "limit", 0), filtersFromQuery(r))
		if err != nil {
			logger.Error("text search failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

// ImageSearchRequest is the JSON body for POST /api/search/image.
type ImageSearchRequest struct {
	ImageURL string `json:"image_url"`
	Limit    int    `json:"limit"`
}

func handleImageSearch(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("search_image").Inc()
		start := time.Now()
		defer mQueryDur.Since(start)

		var req ImageSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ImageURL == "" {
			writeError(w, http.StatusBadRequest, "image_url is required")
			return
		}

		hits, err := svc.SimilarByImage(r.Context(), req.ImageURL, req.Limit, semantic.Filters{})
		if err != nil {
			logger.Error("image search failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if len(hits) == 0 {
			mEmptyResults.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

// PersonalizedRequest is the JSON body for POST /api/personalized.
type PersonalizedRequest struct {
	UserID          int64     `json:"user_id"`
	Preference      []float32 `json:"preference"`
	ViewedProducts  []int64   `json:"viewed_products"`
	Limit           int       `json:"limit"`
	DiversityFactor float64   `json:"diversity_factor"`
}

func handlePersonalized(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("personalized").Inc()
		start := time.Now()
		defer mQueryDur.Since(start)

		var req PersonalizedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		profile := domain.UserProfile{
			UserID:           req.UserID,
			Preference:       req.Preference,
			ViewedProductIDs: req.ViewedProducts,
		}
		hits, err := svc.Personalized(r.Context(), profile, req.Limit, req.DiversityFactor)
		if err != nil {
			logger.Error("personalized query failed", "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if len(hits) == 0 {
			mEmptyResults.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits})
	}
}

func handleStats(svc *recommend.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mRequests("stats").Inc()

		stats, err := svc.Stats(r.Context())
		if err != nil {
			logger.Error("stats query failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// --- Helpers ---

func filtersFromQuery(r *http.Request) semantic.Filters {
	q := r.URL.Query()
	return semantic.Filters{
		CategoryID: int64(queryInt(r, "category_id", 0)),
		BrandID:    int64(queryInt(r, "brand_id", 0)),
		Color:      q.Get("color"),
		PriceMin:   queryFloat(r, "price_min"),
		PriceMax:   queryFloat(r, "price_max"),
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryFloat(r *http.Request, key string) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
