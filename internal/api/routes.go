package api

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/coinjoin-coordinator/internal/coordinator"
	"github.com/rawblock/coinjoin-coordinator/internal/round"
)

// APIHandler adapts HTTP requests onto a Coordinator. It carries no state
// of its own beyond the wiring — every invariant lives in internal/round
// and internal/coordinator.
type APIHandler struct {
	coord *coordinator.Coordinator
	wsHub *Hub
}

// SetupRouter builds the full route table (§6): public status/health
// endpoints, the websocket round-event stream, and the bearer-token- and
// rate-limit-protected round-protocol endpoints.
func SetupRouter(coord *coordinator.Coordinator, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var.
	// Production: ALLOWED_ORIGINS=https://rawblock.net,https://www.rawblock.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{coord: coord, wsHub: wsHub}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/rounds/states", handler.handleRoundStates)
		pub.GET("/coinjoin/:unique_id", handler.handleGetCoinJoin)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	// Every round-protocol write goes through here, rate-limited to guard
	// against a flood of bogus registrations tying up InputsLock/OutputLock.
	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware())
	protected.Use(NewRateLimiter(30, 5).Middleware())
	{
		rounds := protected.Group("/rounds/:round_id")
		rounds.POST("/inputs", handler.handleRegisterAlice)
		rounds.POST("/confirmation", handler.handleConfirmConnection)
		rounds.POST("/unconfirmation", handler.handleUnregisterAlice)
		rounds.POST("/output", handler.handleRegisterBob)
		rounds.POST("/signatures", handler.handlePostSignatures)
	}

	return r
}

// BroadcastRoundEvent is wired as the Coordinator's emit callback,
// pushing every round lifecycle transition out over the websocket hub —
// the same broadcast-on-alert shape the teacher uses for CoinJoin
// detection alerts.
func BroadcastRoundEvent(wsHub *Hub) func(round.Event) {
	return func(ev round.Event) {
		payload := gin.H{
			"type":      "round_event",
			"round_id":  ev.RoundID,
			"phase":     ev.Phase.String(),
			"status":    ev.Status.String(),
			"kind":      ev.Kind,
			"timestamp": ev.Timestamp,
			"detail":    ev.Detail,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to marshal round event: %v", err)
			return
		}
		wsHub.Broadcast(data)
	}
}
