package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rikuo/intelscene/config"
	"github.com/rikuo/intelscene/service"
)

// Handler carries the request dependencies; nothing here is package
// state, everything is injected at startup.
type Handler struct {
	svc       *service.Service
	predictor service.Predictor
}

func NewHandler(svc *service.Service, predictor service.Predictor) *Handler {
	return &Handler{svc: svc, predictor: predictor}
}

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), corsMiddleware(config.C().AllowedOrigins))
	if max := config.C().MaxUploadBytes; max > 0 {
		r.MaxMultipartMemory = max
	}

	r.GET("/health", h.Health)
	r.GET("/classes", h.Classes)
	r.POST("/predict", h.Predict)
	r.POST("/predict-batch", h.PredictBatch)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := strings.Join(origins, ", ")
	if allowed == "" {
		allowed = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowed)
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (h *Handler) Health(c *gin.Context) {
	loaded := h.predictor.IsLoaded()
	status := "healthy"
	classes := []string{}
	if loaded {
		classes = h.predictor.Classes()
	} else {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"model_loaded": loaded,
		"timestamp":    time.Now().Format(time.RFC3339),
		"classes":      classes,
	})
}

func (h *Handler) Classes(c *gin.Context) {
	if !h.predictor.IsLoaded() {
		h.error(c, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	classes := h.predictor.Classes()
	c.JSON(http.StatusOK, gin.H{
		"classes": classes,
		"total":   len(classes),
	})
}

func (h *Handler) Predict(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.error(c, http.StatusBadRequest, "no file uploaded (form field 'file')")
		return
	}
	if max := config.C().MaxUploadBytes; max > 0 && fileHeader.Size > max {
		h.error(c, http.StatusBadRequest, fmt.Sprintf("file too large (max %d bytes)", max))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.error(c, http.StatusBadRequest, "failed to open uploaded file")
		return
	}
	defer file.Close()

	res, err := h.svc.Classify(service.Upload{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Reader:      file,
	})
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PredictBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.error(c, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		h.error(c, http.StatusBadRequest, "no files uploaded (form field 'files')")
		return
	}

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.error(c, http.StatusBadRequest, "failed to open uploaded file "+fh.Filename)
			return
		}
		defer f.Close()
		uploads = append(uploads, service.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Reader:      f,
		})
	}

	res, err := h.svc.ClassifyBatch(uploads)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// serviceError maps the service error taxonomy to HTTP statuses. The
// three processing kinds share one generic client-facing shape.
func (h *Handler) serviceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "error processing image: " + err.Error()
	switch service.KindOf(err) {
	case service.KindModelNotLoaded:
		status, msg = http.StatusServiceUnavailable, "model not loaded"
	case service.KindUnsupportedMedia, service.KindBatchSize:
		status, msg = http.StatusBadRequest, err.Error()
	}
	h.error(c, status, msg)
}

func (h *Handler) error(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{
		"error":       msg,
		"status_code": status,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
