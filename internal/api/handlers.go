package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"labcopilot/internal/access"
	"labcopilot/internal/auth"
	"labcopilot/internal/events"
	"labcopilot/internal/models"
	"labcopilot/internal/registry"
	"labcopilot/internal/service/lab"
	"labcopilot/internal/session"
	"labcopilot/internal/worker"
	"labcopilot/internal/workspace"
)

const (
	defaultMaxUploadBytes   = 50 << 20  // 50 MB per file
	defaultUserStorageLimit = 500 << 20 // 500 MB per project
)

// Handler wires HTTP routes to the lab services: uploads, conversion
// tracking, project access, and the live event stream.
type Handler struct {
	lab      *lab.Service
	auth     *auth.Service
	access   *access.Control
	sessions *session.Registry
	registry *registry.Registry
	resolver *workspace.Resolver
	bus      *events.Bus
	workers  *worker.Manager

	maxUploadBytes int64
	storageLimit   int64
	upgrader       websocket.Upgrader
}

// Config carries the handler limits that come from the config file.
type Config struct {
	MaxUploadBytes   int64
	UserStorageLimit int64
}

// NewHandler constructs a Handler instance.
func NewHandler(
	labService *lab.Service,
	authService *auth.Service,
	accessControl *access.Control,
	sessions *session.Registry,
	fileRegistry *registry.Registry,
	resolver *workspace.Resolver,
	bus *events.Bus,
	workers *worker.Manager,
	cfg Config,
) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.UserStorageLimit <= 0 {
		cfg.UserStorageLimit = defaultUserStorageLimit
	}
	return &Handler{
		lab:            labService,
		auth:           authService,
		access:         accessControl,
		sessions:       sessions,
		registry:       fileRegistry,
		resolver:       resolver,
		bus:            bus,
		workers:        workers,
		maxUploadBytes: cfg.MaxUploadBytes,
		storageLimit:   cfg.UserStorageLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	secured := api.Group("")
	secured.Use(authMW, h.auth.CSRFMiddleware())
	secured.POST("/logout", h.logoutUser)
	secured.POST("/projects", h.createProject)
	secured.GET("/projects", h.listProjects)
	secured.POST("/projects/:project_id/share", h.shareProject)
	secured.DELETE("/projects/:project_id/share/:user_id", h.unshareProject)
	secured.POST("/projects/:project_id/archive", h.archiveProject)

	sessionRoutes := secured.Group("/sessions/:session_id")
	sessionRoutes.Use(h.requireSession())
	sessionRoutes.POST("/project", h.selectProject)
	sessionRoutes.POST("/uploads", h.uploadFile)
	sessionRoutes.GET("/files", h.listFiles)
	sessionRoutes.GET("/files/content", h.readFileContent)
	sessionRoutes.GET("/events", h.streamEvents)
}

const sessionContextKey = "lab_session"

// requireSession resolves the path session and rejects sessions that do
// not belong to the authenticated user.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		sess, err := h.sessions.Get(c.Param("session_id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if sess.UserID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session mismatch"})
			return
		}
		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

func (h *Handler) sessionFromContext(c *gin.Context) (*models.Session, bool) {
	val, ok := c.Get(sessionContextKey)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session missing from context"})
		return nil, false
	}
	sess, ok := val.(*models.Session)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session missing from context"})
		return nil, false
	}
	return sess, true
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.lab.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.lab.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	sess := h.sessions.Create(user.ID)
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"session_id": sess.ID,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.sessions.DestroyUserSessions(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Project management interface
type createProjectRequest struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
}

func (h *Handler) createProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, err := h.lab.CreateProject(c.Request.Context(), userID, req.Name, req.Workspace)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         project.ID,
		"name":       project.Name,
		"workspace":  project.Workspace,
		"owner_id":   project.OwnerID,
		"created_at": project.CreatedAt,
	})
}

func (h *Handler) listProjects(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	projects, err := h.lab.ListProjects(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if projects == nil {
		projects = make([]models.Project, 0)
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// canManageProject allows the owner and admins to change shares.
func (h *Handler) canManageProject(c *gin.Context, userID int64, projectID string) (*models.Project, bool) {
	project, err := h.lab.GetProject(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	if project.OwnerID == userID {
		return project, true
	}
	user, err := h.lab.GetUser(c.Request.Context(), userID)
	if err == nil && user.Role == models.RoleAdmin {
		return project, true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "only the project owner may manage shares"})
	return nil, false
}

type shareRequest struct {
	UserID   int64 `json:"user_id"`
	ReadOnly bool  `json:"read_only"`
}

func (h *Handler) shareProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, ok := h.canManageProject(c, userID, c.Param("project_id"))
	if !ok {
		return
	}
	if err := h.lab.ShareProject(c.Request.Context(), project.ID, req.UserID, req.ReadOnly); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.access.Invalidate(c.Request.Context(), req.UserID, project.ID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) unshareProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	targetID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	project, ok := h.canManageProject(c, userID, c.Param("project_id"))
	if !ok {
		return
	}
	if err := h.lab.UnshareProject(c.Request.Context(), project.ID, targetID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.access.Invalidate(c.Request.Context(), targetID, project.ID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) archiveProject(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	project, ok := h.canManageProject(c, userID, c.Param("project_id"))
	if !ok {
		return
	}
	if err := h.lab.ArchiveProject(c.Request.Context(), project.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.CancelProject(project.ID)
	h.access.Invalidate(c.Request.Context(), userID, project.ID)
	c.Status(http.StatusNoContent)
}

// Session scope interface
type selectProjectRequest struct {
	ProjectID string `json:"project_id"`
}

func (h *Handler) selectProject(c *gin.Context) {
	sess, ok := h.sessionFromContext(c)
	if !ok {
		return
	}
	var req selectProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ProjectID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	allowed, err := h.sessions.SelectProject(c.Request.Context(), sess.ID, req.ProjectID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"project_id": req.ProjectID,
	})
}

// activeProject returns the session's selected project after an access
// check. write=true additionally requires a writable grant.
func (h *Handler) activeProject(c *gin.Context, sess *models.Session, write bool) (string, bool) {
	if sess.ActiveProjectID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "no project selected for this session"})
		return "", false
	}
	check := h.access.CanRead
	if write {
		check = h.access.CanWrite
	}
	allowed, err := check(c.Request.Context(), sess.UserID, sess.ActiveProjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return "", false
	}
	return sess.ActiveProjectID, true
}

func (h *Handler) uploadFile(c *gin.Context) {
	sess, ok := h.sessionFromContext(c)
	if !ok {
		return
	}
	projectID, ok := h.activeProject(c, sess, true)
	if !ok {
		return
	}

	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	relativePath := c.PostForm("path")
	if relativePath == "" {
		relativePath = filepath.Base(file.Filename)
	}
	relativePath, err = workspace.Normalize(relativePath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadBytes+1))
	_ = src.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	contentType := http.DetectContentType(sniff)
	fingerprint := registry.Fingerprint(data)

	ws, err := h.lab.ProjectWorkspace(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve workspace failed"})
		return
	}
	destPath, err := h.resolver.OriginalPath(projectID, ws, relativePath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	// Stage the bytes beside the destination; the registry renames them
	// into place once the quota check under its ledger lock passes.
	tempPath := fmt.Sprintf("%s.%s.up", destPath, fingerprint[:12])
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	entry, created, err := h.registry.RegisterUpload(projectID, relativePath, fingerprint, tempPath, int64(len(data)), contentType)
	if err != nil {
		if errors.Is(err, registry.ErrQuotaExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record file failed"})
		return
	}

	h.bus.Publish(sess.ID, models.EventUploadReceived, map[string]string{
		"project_id":    projectID,
		"relative_path": relativePath,
		"fingerprint":   fingerprint,
		"state":         string(entry.State),
	})

	queued := false
	if entry.State == models.StateUploaded {
		err = h.workers.Enqueue(worker.ConversionRequest{
			Context:   context.Background(),
			SessionID: sess.ID,
			Entry:     entry,
		})
		switch {
		case err == nil:
			queued = true
		case errors.Is(err, worker.ErrDispatcherBusy):
			// Upload persisted; the file stays in uploaded until a later
			// re-enqueue or registry rebuild picks it up.
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue conversion failed"})
			return
		}
	}

	usage, err := h.registry.Usage(projectID)
	if err != nil {
		usage = entry.Size
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"relative_path":     entry.RelativePath,
		"fingerprint":       entry.Fingerprint,
		"state":             entry.State,
		"size":              entry.Size,
		"mime":              entry.MimeType,
		"conversion_queued": queued,
		"used":              usage,
		"limit":             h.storageLimit,
	})
}

func (h *Handler) listFiles(c *gin.Context) {
	sess, ok := h.sessionFromContext(c)
	if !ok {
		return
	}
	projectID, ok := h.activeProject(c, sess, false)
	if !ok {
		return
	}
	entries, err := h.registry.List(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = make([]*models.FileEntry, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"files":      entries,
	})
}

// readFileContent serves the best available version of a file: the
// converted markdown when conversion succeeded, the original bytes
// otherwise.
func (h *Handler) readFileContent(c *gin.Context) {
	sess, ok := h.sessionFromContext(c)
	if !ok {
		return
	}
	projectID, ok := h.activeProject(c, sess, false)
	if !ok {
		return
	}
	relativePath, err := workspace.Normalize(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.bus.Publish(sess.ID, models.EventToolStarted, map[string]string{
		"tool":          "read_best_version",
		"project_id":    projectID,
		"relative_path": relativePath,
	})

	entry, err := h.registry.Get(projectID, relativePath)
	if err != nil {
		h.publishToolError(sess.ID, projectID, relativePath, "file not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	path, err := h.registry.ResolveBestVersion(projectID, relativePath)
	if err != nil {
		h.publishToolError(sess.ID, projectID, relativePath, err.Error())
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		h.publishToolError(sess.ID, projectID, relativePath, "read content failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read content failed"})
		return
	}

	source := "original"
	if entry.State == models.StateConverted && entry.ConvertedPath != "" {
		source = "converted"
	}
	h.bus.Publish(sess.ID, models.EventToolFinished, map[string]string{
		"tool":          "read_best_version",
		"project_id":    projectID,
		"relative_path": relativePath,
		"source":        source,
	})
	c.JSON(http.StatusOK, gin.H{
		"relative_path":     entry.RelativePath,
		"state":             entry.State,
		"conversion_method": entry.ConversionMethod,
		"source":            source,
		"content":           string(content),
	})
}

func (h *Handler) publishToolError(sessionID, projectID, relativePath, msg string) {
	h.bus.Publish(sessionID, models.EventError, map[string]string{
		"tool":          "read_best_version",
		"project_id":    projectID,
		"relative_path": relativePath,
		"error":         msg,
	})
}

// streamEvents upgrades to a websocket and binds it as the session's
// single live connection. A later connection supersedes this one.
func (h *Handler) streamEvents(c *gin.Context) {
	sess, ok := h.sessionFromContext(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	if err := h.sessions.AttachConnection(sess.ID, conn); err != nil {
		return
	}
	// Drain client frames so ping/pong and close handshakes work; the
	// stream is server-to-client only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
