// Package fakeremote is an in-memory implementation of the profile, friends
// and matches REST service. It backs the client tests and the
// `matchbook dev-server` command.
package fakeremote

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// Call is one request received by the server.
type Call struct {
	Method string
	Path   string
}

type forced struct {
	method string
	prefix string
	status int
	body   interface{}
}

// Server is the fake service. The zero value is not usable; use New.
type Server struct {
	mu sync.Mutex

	token    string
	profile  models.Profile
	users    map[string]models.Friend // by username
	friends  []models.Friend
	incoming []models.FriendRequest
	outgoing []models.FriendRequest
	matches  map[models.UUID]string // client id -> server id
	requests map[models.UUID]string // client request id -> server id
	version  int
	nextID   int

	avatars       map[string][]byte
	noConnections bool
	forcedReplies []forced
	calls         []Call
	hub           *hub
	now           func() time.Time
	engine        *gin.Engine
}

// New creates a server that accepts only the given bearer token.
func New(token string, me models.Profile) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		token:    token,
		profile:  me,
		users:    make(map[string]models.Friend),
		matches:  make(map[models.UUID]string),
		requests: make(map[models.UUID]string),
		avatars:  make(map[string][]byte),
		hub:      newHub(),
		version:  1,
		now:      time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.record)
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposeHeaders: []string{"ETag"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(s.authenticate, s.intercept)
	{
		v1.GET("/profile", s.getProfile)
		v1.PATCH("/profile", s.patchProfile)
		v1.POST("/profile/avatar", s.postAvatar)
		v1.GET("/friends/connections", s.getConnections)
		v1.GET("/friends", s.listFriends)
		v1.POST("/friends/requests", s.postRequest)
		v1.POST("/friends/requests/:id/:action", s.requestAction)
		v1.POST("/matches", s.postMatch)
		v1.GET("/events", s.events)
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// =====================================================
// Test controls
// =====================================================

// AddUser registers a user that friend requests can target.
func (s *Server) AddUser(f models.Friend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[f.Username] = f
}

// AddIncoming adds a pending incoming request and returns its id.
func (s *Server) AddIncoming(from models.Friend) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[from.Username] = from
	id := s.newID("req")
	s.incoming = append(s.incoming, models.FriendRequest{
		ID: id, Direction: models.DirectionIncoming, UserID: from.UserID,
		Username: from.Username, DisplayName: from.DisplayName,
		Status: models.RequestStatusPending, CreatedAt: s.stamp(), UpdatedAt: s.stamp(),
	})
	s.version++
	s.hub.publish(EventConnectionsChanged)
	return id
}

// SetProfile replaces the server-side profile.
func (s *Server) SetProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.hub.publish(EventProfileChanged)
}

// Profile returns the server-side profile.
func (s *Server) Profile() models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Connections returns the server-side connections.
func (s *Server) Connections() models.Connections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionsLocked()
}

// MatchCount returns the number of distinct stored matches.
func (s *Server) MatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

// DisableConnectionsEndpoint makes /v1/friends/connections answer 404.
func (s *Server) DisableConnectionsEndpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noConnections = true
}

// FailNext makes the next request matching method and path prefix fail
// with status and a JSON body. Forced replies are consumed in order.
func (s *Server) FailNext(method, pathPrefix string, status int, body interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if body == nil {
		body = gin.H{"error": strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))}
	}
	s.forcedReplies = append(s.forcedReplies, forced{method: method, prefix: pathPrefix, status: status, body: body})
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) record(c *gin.Context) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: c.Request.Method, Path: c.Request.URL.Path})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) authenticate(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "session expired"})
		return
	}
	c.Next()
}

func (s *Server) intercept(c *gin.Context) {
	s.mu.Lock()
	for i, f := range s.forcedReplies {
		if f.method == c.Request.Method && strings.HasPrefix(c.Request.URL.Path, f.prefix) {
			s.forcedReplies = append(s.forcedReplies[:i], s.forcedReplies[i+1:]...)
			s.mu.Unlock()
			c.AbortWithStatusJSON(f.status, f.body)
			return
		}
	}
	s.mu.Unlock()
	c.Next()
}

// =====================================================
// Profile
// =====================================================

func (s *Server) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, s.Profile())
}

func (s *Server) patchProfile(c *gin.Context) {
	var body struct {
		DisplayName string `json:"display_name"`
		UpdatedAt   string `json:"updated_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.DisplayName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "display_name is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !newer(body.UpdatedAt, s.profile.UpdatedAt) {
		c.JSON(http.StatusConflict, gin.H{"error": "stale_write", "profile": s.profile})
		return
	}
	s.profile.DisplayName = body.DisplayName
	s.profile.UpdatedAt = body.UpdatedAt
	c.JSON(http.StatusOK, s.profile)
}

func (s *Server) postAvatar(c *gin.Context) {
	updatedAt := c.PostForm("updated_at")
	fh, err := c.FormFile("avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "avatar file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "avatar is empty"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !newer(updatedAt, s.profile.AvatarUpdatedAt) {
		c.JSON(http.StatusConflict, gin.H{"error": "stale_write", "profile": s.profile})
		return
	}
	key := s.newID("avatar")
	s.avatars[key] = data
	s.profile.AvatarURL = "/avatars/" + key
	s.profile.AvatarUpdatedAt = updatedAt
	c.JSON(http.StatusOK, s.profile)
}

// =====================================================
// Friends
// =====================================================

func (s *Server) getConnections(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noConnections {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	etag := fmt.Sprintf(`"v%d"`, s.version)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", etag)
	c.JSON(http.StatusOK, s.connectionsLocked())
}

func (s *Server) listFriends(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.connectionsLocked())
}

func (s *Server) postRequest(c *gin.Context) {
	var body struct {
		Username        string      `json:"username"`
		ClientRequestID models.UUID `json:"client_request_id"`
		UpdatedAt       string      `json:"updated_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" || body.ClientRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "username and client_request_id are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.requests[body.ClientRequestID]; dup {
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "connections": s.connectionsLocked()})
		return
	}
	target, ok := s.users[body.Username]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such user"})
		return
	}
	if s.relatedLocked(target.UserID) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_connected", "connections": s.connectionsLocked()})
		return
	}

	req := models.FriendRequest{
		ID: s.newID("req"), LocalID: body.ClientRequestID, Direction: models.DirectionOutgoing,
		UserID: target.UserID, Username: target.Username, DisplayName: target.DisplayName,
		Status: models.RequestStatusPending, CreatedAt: s.stamp(), UpdatedAt: body.UpdatedAt,
	}
	s.outgoing = append(s.outgoing, req)
	s.requests[body.ClientRequestID] = req.ID
	s.version++
	c.JSON(http.StatusCreated, req)
}

func (s *Server) requestAction(c *gin.Context) {
	id := c.Param("id")
	action := c.Param("action")

	s.mu.Lock()
	defer s.mu.Unlock()

	var list *[]models.FriendRequest
	switch action {
	case "accept", "decline":
		list = &s.incoming
	case "cancel":
		list = &s.outgoing
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "unknown action"})
		return
	}

	idx := -1
	for i, r := range *list {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "connections": s.connectionsLocked()})
		return
	}

	req := (*list)[idx]
	*list = append((*list)[:idx], (*list)[idx+1:]...)
	s.version++

	if action != "accept" {
		c.Status(http.StatusNoContent)
		return
	}
	friend := models.Friend{UserID: req.UserID, Username: req.Username, DisplayName: req.DisplayName, UpdatedAt: s.stamp()}
	s.friends = append(s.friends, friend)
	c.JSON(http.StatusOK, gin.H{"friend": friend})
}

// =====================================================
// Matches
// =====================================================

func (s *Server) postMatch(c *gin.Context) {
	var body struct {
		ClientMatchID models.UUID          `json:"client_match_id"`
		Players       []models.MatchPlayer `json:"players"`
		UpdatedAt     string               `json:"updated_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ClientMatchID == "" || len(body.Players) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "client_match_id and players are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, dup := s.matches[body.ClientMatchID]; dup {
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "match_id": id, "client_match_id": body.ClientMatchID})
		return
	}
	id := s.newID("match")
	s.matches[body.ClientMatchID] = id
	c.JSON(http.StatusCreated, gin.H{"match_id": id, "client_match_id": body.ClientMatchID, "updated_at": body.UpdatedAt})
}

// =====================================================
// Helpers
// =====================================================

func (s *Server) connectionsLocked() models.Connections {
	return models.Connections{
		Friends:  append([]models.Friend{}, s.friends...),
		Incoming: append([]models.FriendRequest{}, s.incoming...),
		Outgoing: append([]models.FriendRequest{}, s.outgoing...),
	}
}

func (s *Server) relatedLocked(userID string) bool {
	for _, f := range s.friends {
		if f.UserID == userID {
			return true
		}
	}
	for _, r := range append(append([]models.FriendRequest{}, s.incoming...), s.outgoing...) {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Server) stamp() string {
	return models.FormatTimestamp(s.now())
}

// newer reports whether token a is strictly after b; an empty b accepts any
// valid a.
func newer(a, b string) bool {
	ta, err := models.ParseTimestamp(a)
	if err != nil || ta.IsZero() {
		return false
	}
	tb, err := models.ParseTimestamp(b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}
