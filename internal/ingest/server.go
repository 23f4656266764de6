package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/events/bus"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// webhookPayload is the wire shape the platform posts.
type webhookPayload struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	Issue       *struct {
		ID          string   `json:"id"`
		Identifier  string   `json:"identifier"`
		TeamKey     string   `json:"teamKey"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
	} `json:"issue"`
	Comment *struct {
		ID       string `json:"id"`
		Body     string `json:"body"`
		ParentID string `json:"parentId"`
	} `json:"comment"`
	AgentSession *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"agentSession"`
	Actor *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"actor"`
	Signal    string    `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
}

// Server terminates the webhook endpoint and publishes normalized events.
type Server struct {
	logger      *logger.Logger
	bus         bus.EventBus
	secret      string
	token       string
	agentHandle string
	engine      *gin.Engine
	httpServer  *http.Server
}

// NewServer builds the HTTP server. When a webhook secret is configured,
// requests must carry a valid HMAC signature; otherwise a bearer token is
// accepted; with neither configured all requests pass (development only).
func NewServer(cfg config.ServerConfig, agentHandle string, eventBus bus.EventBus, log *logger.Logger) *Server {
	s := &Server{
		logger:      log.WithFields(zap.String("component", "ingest")),
		bus:         eventBus,
		secret:      cfg.WebhookSecret,
		token:       cfg.WebhookToken,
		agentHandle: agentHandle,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.POST("/webhook", s.handleWebhook)
	s.engine = engine

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Mount attaches an extra GET handler on the shared listener, used for the
// observer websocket endpoint.
func (s *Server) Mount(path string, h http.Handler) {
	s.engine.GET(path, gin.WrapH(h))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("webhook server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	if !s.authorized(c.Request, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	event, ok := s.normalize(payload)
	if !ok {
		// Unknown kinds are acknowledged and dropped.
		s.logger.Info("ignoring unknown webhook type", zap.String("type", payload.Type))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	busEvent, err := bus.NewEvent(string(event.Kind), "ingest", event)
	if err != nil {
		s.logger.Error("cannot encode inbound event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encoding failed"})
		return
	}
	if err := s.bus.Publish(c.Request.Context(), bus.SubjectInbound, busEvent); err != nil {
		s.logger.Error("cannot publish inbound event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}

	s.logger.Debug("inbound event published",
		zap.String("kind", string(event.Kind)),
		zap.String("work_item", event.WorkItem.Identifier))
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) authorized(r *http.Request, body []byte) bool {
	if s.secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			return false
		}
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(want))
	}
	if s.token != "" {
		auth := r.Header.Get("Authorization")
		return auth == "Bearer "+s.token
	}
	return true
}

// normalize maps the wire payload to an inbound event. A new comment that
// mentions the agent handle becomes a CommentMention.
func (s *Server) normalize(p webhookPayload) (InboundEvent, bool) {
	event := InboundEvent{
		WorkspaceID: p.WorkspaceID,
		Signal:      p.Signal,
		Timestamp:   p.Timestamp,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if p.Issue != nil {
		event.WorkItem = WorkItem{
			ID:          p.Issue.ID,
			Identifier:  p.Issue.Identifier,
			TeamKey:     p.Issue.TeamKey,
			Title:       p.Issue.Title,
			Description: p.Issue.Description,
			Labels:      p.Issue.Labels,
		}
	}
	if p.Comment != nil {
		event.Conversation = &Conversation{
			ID:       p.Comment.ID,
			Body:     p.Comment.Body,
			ParentID: p.Comment.ParentID,
		}
	}
	if p.AgentSession != nil {
		event.Session = &SessionRef{ID: p.AgentSession.ID, Type: p.AgentSession.Type}
	}
	if p.Actor != nil {
		event.Actor = Actor{ID: p.Actor.ID, Name: p.Actor.Name}
	}

	switch p.Type {
	case "issueAssigned":
		event.Kind = KindIssueAssigned
	case "newComment":
		event.Kind = KindNewComment
		if s.mentionsAgent(p) {
			event.Kind = KindCommentMention
		}
	case "agentSessionCreated":
		event.Kind = KindAgentSessionCreated
	case "agentSessionPrompted":
		event.Kind = KindAgentSessionPrompted
	default:
		return InboundEvent{}, false
	}
	return event, true
}

func (s *Server) mentionsAgent(p webhookPayload) bool {
	if s.agentHandle == "" || p.Comment == nil {
		return false
	}
	return strings.Contains(p.Comment.Body, "@"+s.agentHandle)
}
