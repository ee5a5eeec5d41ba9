package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RouterConfig carries everything the HTTP surface serves.
type RouterConfig struct {
	State          *StateHandler
	WebSocket      *WebSocketHandler
	Health         http.Handler
	Metrics        http.Handler
	Limiter        *IPRateLimiter
	AllowedOrigins []string
}

// NewRouter builds the chi router with CORS and h2c support.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	cfg.State.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter))
		}
		r.Handle("/ws", cfg.WebSocket)
	})
	r.Get("/ws/stats", cfg.WebSocket.HandleConnectionStats)

	if cfg.Health != nil {
		r.Handle("/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(r), &http2.Server{})
}

// OriginChecker builds the websocket origin check from the CORS origins.
// Requests without an Origin header come from non-browser clients and pass.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
