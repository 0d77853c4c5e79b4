// Package server exposes the scribble cache over HTTP. Controllers are
// thin: they validate the boundary, call the cache, and map its error
// taxonomy onto status codes. A version conflict is not an error at this
// layer; it returns 200 with the conflict payload so the client can merge.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/scribbler-labs/scribbler/backend/internal/scribble"
	"github.com/scribbler-labs/scribbler/backend/internal/writeback"
)

const userIDContextKey = "scribbler_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCache          = errors.New("scribble cache dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the user it belongs to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the handler's collaborators.
type Dependencies struct {
	TokenValidator TokenValidator
	Cache          *scribble.Cache
	// Importer, when set, backfills a user's remote scribbles into the
	// cache on listing. Optional.
	Importer *writeback.Importer
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router for the scribble API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenValidator,
		cache:    deps.Cache,
		importer: deps.Importer,
		logger:   logger,
	}

	api := router.Group("/api/v1")
	api.Use(handler.authorizeRequest)
	api.POST("/scribbles", handler.handleCreateScribble)
	api.PUT("/scribbles/:sid", handler.handleUpdateScribble)
	api.GET("/scribbles", handler.handleListScribbles)
	api.GET("/scribbles/:sid", handler.handleGetScribble)
	api.POST("/scribbles/sync", handler.handleSyncBatch)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	cache    *scribble.Cache
	importer *writeback.Importer
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requestUser(c *gin.Context) (scribble.UserID, bool) {
	userID, err := scribble.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

type createRequestPayload struct {
	Scribble scribble.Draft `json:"scribble"`
}

func (h *httpHandler) handleCreateScribble(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.cache.Create(c.Request.Context(), userID, request.Scribble)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scribble": created})
}

type updateRequestPayload struct {
	Scribble scribble.Draft `json:"scribble"`
	Force    bool           `json:"force"`
}

func (h *httpHandler) handleUpdateScribble(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pathSID := c.Param("sid")
	if request.Scribble.SID == "" {
		request.Scribble.SID = pathSID
	}
	if request.Scribble.SID != pathSID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sid_mismatch"})
		return
	}

	result, err := h.cache.Update(c.Request.Context(), userID, request.Scribble, request.Force)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateResponse(result))
}

func (h *httpHandler) handleGetScribble(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	sid, err := scribble.NewSID(c.Param("sid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sid"})
		return
	}
	stored, err := h.cache.Read(c.Request.Context(), userID, sid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scribble": stored})
}

func (h *httpHandler) handleListScribbles(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	h.maybeBackfill(c, userID)

	scribbles, err := h.cache.ReadAll(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if scribbles == nil {
		scribbles = []scribble.Scribble{}
	}
	c.JSON(http.StatusOK, gin.H{"scribbles": scribbles})
}

type syncRequestPayload struct {
	Scribbles []scribble.Draft `json:"scribbles"`
}

// handleSyncBatch applies update-if-exists else create per draft, then
// returns the full merged set including the user's scribbles absent from
// the batch.
func (h *httpHandler) handleSyncBatch(c *gin.Context) {
	userID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	synced := make([]gin.H, 0, len(request.Scribbles))
	seen := map[string]bool{}
	for _, draft := range request.Scribbles {
		exists := false
		if draft.SID != "" {
			sid, err := scribble.NewSID(draft.SID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sid"})
				return
			}
			known, err := h.cache.Exists(c.Request.Context(), userID, sid)
			if err != nil {
				h.respondError(c, err)
				return
			}
			exists = known
		}

		if exists {
			result, err := h.cache.Update(c.Request.Context(), userID, draft, false)
			if err != nil {
				h.respondError(c, err)
				return
			}
			synced = append(synced, updateResponse(result))
			seen[result.Scribble.SID] = true
		} else {
			created, err := h.cache.Create(c.Request.Context(), userID, draft)
			if err != nil {
				h.respondError(c, err)
				return
			}
			synced = append(synced, gin.H{"scribble": created})
			seen[created.SID] = true
		}
	}

	all, err := h.cache.ReadAll(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, stored := range all {
		if !seen[stored.SID] {
			synced = append(synced, gin.H{"scribble": stored})
		}
	}
	c.JSON(http.StatusOK, gin.H{"scribbles": synced})
}

// maybeBackfill imports the user's remote documents when their cache index
// is empty. Best effort: a failed backfill logs and the listing proceeds
// with whatever the cache holds.
func (h *httpHandler) maybeBackfill(c *gin.Context, userID scribble.UserID) {
	if h.importer == nil {
		return
	}
	if err := h.importer.RunForUser(c.Request.Context(), userID); err != nil {
		h.logger.Warn("backfill failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func updateResponse(result scribble.UpdateResult) gin.H {
	response := gin.H{"scribble": result.Scribble}
	if result.InConflict() {
		response["conflict"] = result.Conflict
	}
	return response
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scribble.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scribble"})
	case errors.Is(err, scribble.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, scribble.ErrInvariantViolation):
		c.JSON(http.StatusConflict, gin.H{"error": "client_version_ahead"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
