package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/extract"
	"github.com/spigell/kpi-strategist/internal/logger"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	homeMessage = "KPI Generator API Working"

	formFile         = "file"
	formBusinessType = "business_type"
	formDescription  = "description"

	// multipartOverhead is the room left for form fields and boundaries on
	// top of the file size limit.
	multipartOverhead = 64 << 10
)

type strategyRequest struct {
	BusinessType string `json:"business_type"`
	Description  string `json:"description"`
}

type historyResponse struct {
	Strategies []strategy.Result `json:"strategies"`
}

func (s *Server) home(c *gin.Context) {
	c.String(http.StatusOK, homeMessage)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createStrategy(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)

	var body strategyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		_ = c.Error(err)
		abortWithError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	s.generate(c, strategy.Request{
		BusinessType: body.BusinessType,
		Description:  body.Description,
	})
}

func (s *Server) uploadStrategy(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+multipartOverhead)

	header, err := c.FormFile(formFile)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			abortWithError(c, http.StatusRequestEntityTooLarge, "uploaded file too large")
		case errors.Is(err, http.ErrMissingFile):
			abortWithError(c, http.StatusBadRequest, "file is required")
		default:
			_ = c.Error(err)
			abortWithError(c, http.StatusBadRequest, "invalid multipart form")
		}
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		abortWithError(c, http.StatusRequestEntityTooLarge, "uploaded file too large")
		return
	}

	data, err := readUpload(header, s.cfg.MaxUploadBytes)
	if err != nil {
		_ = c.Error(err)
		abortWithError(c, http.StatusBadRequest, "reading uploaded file failed")
		return
	}

	name := header.Filename
	contentType := header.Header.Get("Content-Type")

	text, err := extract.Text(name, contentType, data)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		abortWithError(c, http.StatusUnsupportedMediaType, "unsupported document type")
		return
	case errors.Is(err, extract.ErrEmpty):
		abortWithError(c, http.StatusUnprocessableEntity, "document contains no text")
		return
	case err != nil:
		_ = c.Error(err)
		abortWithError(c, http.StatusUnprocessableEntity, "document could not be read")
		return
	}

	doc := &strategy.Document{
		Name:        name,
		ContentType: contentType,
		Text:        text,
	}

	if s.archive != nil {
		key, err := s.archive.Put(c.Request.Context(), name, contentType, data)
		if err != nil {
			s.requestLogger(c).Warn("archiving document failed", zap.String("document", name), zap.Error(err))
		} else {
			doc.ArchiveKey = key
		}
	}

	s.generate(c, strategy.Request{
		BusinessType: c.PostForm(formBusinessType),
		Description:  c.PostForm(formDescription),
		Document:     doc,
	})
}

func (s *Server) generate(c *gin.Context, req strategy.Request) {
	if claims := currentClaims(c); claims != nil {
		req.UserID = claims.UserID()
		req.UserEmail = claims.Email
	}

	res, err := s.service.Generate(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) listStrategies(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		abortWithError(c, http.StatusUnauthorized, "missing bearer token")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			abortWithError(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = value
	}

	results, err := s.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if results == nil {
		results = []strategy.Result{}
	}

	c.JSON(http.StatusOK, historyResponse{Strategies: results})
}

func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, strategy.ErrGeneration):
		abortWithError(c, http.StatusBadGateway, "strategy generation failed")
	case errors.Is(err, strategy.ErrHistoryDisabled):
		abortWithError(c, http.StatusServiceUnavailable, "strategy history is not available")
	case errors.Is(err, strategy.ErrUserRequired):
		abortWithError(c, http.StatusUnauthorized, "missing bearer token")
	default:
		s.requestLogger(c).Error("request failed", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) requestLogger(c *gin.Context) *zap.Logger {
	return logger.WithFields(s.logger, logger.RequestFields(c.GetString(ctxRequestID), currentUserID(c))...)
}

func readUpload(header *multipart.FileHeader, limit int64) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("upload exceeds %d bytes", limit)
	}
	return data, nil
}
