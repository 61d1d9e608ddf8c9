package bucketd

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parley-run/parley/internal/bucket"
)

// Server exposes the bucket store over HTTP.
type Server struct {
	store  *Store
	logger *log.Logger
}

// NewServer creates a server around a store.
func NewServer(store *Store, logger *log.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Routes builds the gin engine implementing the bucket service contract.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "parley-bucketd"})
	})
	r.POST("/bucket", s.createBucket)
	r.POST("/bucket/:id/get_tokens", s.getTokens)
	r.POST("/bucket/:id/add_tokens", s.addTokens)
	r.POST("/bucket/:id/turbo_mode/:flag", s.turboMode)
	r.GET("/bucket/:id/status", s.status)
	return r
}

func (s *Server) createBucket(c *gin.Context) {
	var req bucket.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if req.Type != bucket.KindRequests && req.Type != bucket.KindTokens {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be requests or tokens"})
		return
	}

	id, info, existing := s.store.CreateOrMerge(req.Name, req.Type, req.Capacity, req.RefillRate)
	status := "new"
	if existing {
		status = "existing"
	}
	if s.logger != nil {
		s.logger.Printf("bucket_registered name=%s type=%s status=%s capacity=%g rate=%g",
			req.Name, req.Type, status, info.Capacity, info.RefillRate)
	}
	c.JSON(http.StatusOK, bucket.CreateResponse{Status: status, ID: id, Bucket: info})
}

func (s *Server) getTokens(c *gin.Context) {
	e, ok := s.store.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	amount, err := strconv.ParseFloat(c.Query("amount"), 64)
	if err != nil || amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	var cheat float64
	if raw := c.Query("cheat_bucket_capacity"); raw != "" {
		cheat, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cheat_bucket_capacity"})
			return
		}
	}

	resp, err := e.grant(amount, cheat)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) addTokens(c *gin.Context) {
	e, ok := s.store.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	amount, err := strconv.ParseFloat(c.Query("amount"), 64)
	if err != nil || amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	e.addTokens(amount)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) turboMode(c *gin.Context) {
	e, ok := s.store.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	on, err := strconv.ParseBool(c.Param("flag"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flag must be true or false"})
		return
	}
	e.setTurbo(on)
	c.JSON(http.StatusOK, gin.H{"ok": true, "turbo": on})
}

func (s *Server) status(c *gin.Context) {
	e, ok := s.store.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}
	c.JSON(http.StatusOK, e.status())
}
