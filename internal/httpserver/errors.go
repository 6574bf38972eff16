package httpserver

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/model"
)

// DefaultExportLimit caps a CSV export when no limit is given.
const DefaultExportLimit = 10_000

func (s *Server) handleList(c *gin.Context) {
	page, ok := intQuery(c, "page", 0)
	if !ok {
		return
	}
	size, ok := intQuery(c, "size", model.DefaultPageSize)
	if !ok {
		return
	}
	opts := model.ListOpts{PageIndex: page, PageSize: size, App: c.Query("app")}.Normalize()

	errs, total, err := s.store.List(c.Request.Context(), opts)
	if err != nil {
		abort(c, err)
		return
	}
	if errs == nil {
		errs = []*model.Error{}
	}
	c.JSON(http.StatusOK, gin.H{
		"errors": errs,
		"total":  total,
		"page":   opts.PageIndex,
		"size":   opts.PageSize,
	})
}

func (s *Server) handleGet(c *gin.Context) {
	e, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

var csvHeader = []string{"id", "time", "application", "host", "type", "status", "url", "message"}

func (s *Server) handleExport(c *gin.Context) {
	limit, ok := intQuery(c, "limit", DefaultExportLimit)
	if !ok {
		return
	}
	app := c.Query("app")

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="errors.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)

	written := 0
	for page := 0; written < limit; page++ {
		size := model.MaxPageSize
		if remaining := limit - written; remaining < size {
			size = remaining
		}
		errs, _, err := s.store.List(c.Request.Context(), model.ListOpts{PageIndex: page, PageSize: size, App: app})
		if err != nil {
			// Headers are already sent; truncate the export.
			s.logger.Error().Err(err).Int("written", written).Msg("export")
			break
		}
		for _, e := range errs {
			_ = w.Write([]string{
				e.ID(),
				e.Time().UTC().Format(time.RFC3339Nano),
				e.Application(),
				e.Host(),
				e.Type(),
				strconv.Itoa(e.StatusCode()),
				e.URL(),
				e.Message(),
			})
		}
		written += len(errs)
		if len(errs) < size {
			break
		}
	}
	w.Flush()
}

// errorRequest is the POST /api/errors body.
type errorRequest struct {
	ID              string           `json:"id" binding:"max=64"`
	Application     string           `json:"application" binding:"max=256"`
	Host            string           `json:"host"`
	Type            string           `json:"type" binding:"required_without=Message"`
	Message         string           `json:"message" binding:"required_without=Type"`
	Source          string           `json:"source"`
	Detail          string           `json:"detail"`
	User            string           `json:"user"`
	StatusCode      int              `json:"statusCode" binding:"omitempty,min=100,max=599"`
	Time            time.Time        `json:"time"`
	URL             string           `json:"url"`
	WebHostHTML     string           `json:"webHostHtml"`
	ServerVariables model.NameValues `json:"serverVariables"`
	QueryString     model.NameValues `json:"queryString"`
	Form            model.NameValues `json:"form"`
	Cookies         model.NameValues `json:"cookies"`
}

func (r errorRequest) fields() model.ErrorFields {
	return model.ErrorFields{
		ID:              r.ID,
		Application:     r.Application,
		Host:            r.Host,
		Type:            r.Type,
		Message:         r.Message,
		Source:          r.Source,
		Detail:          r.Detail,
		User:            r.User,
		StatusCode:      r.StatusCode,
		Time:            r.Time,
		URL:             r.URL,
		WebHostHTML:     r.WebHostHTML,
		ServerVariables: r.ServerVariables,
		QueryString:     r.QueryString,
		Form:            r.Form,
		Cookies:         r.Cookies,
	}
}

func (s *Server) handlePost(c *gin.Context) {
	var req errorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid error body: %v", err)
		return
	}
	e := model.NewError(req.fields())

	if s.pipeline == nil {
		if err := s.store.Log(c.Request.Context(), []*model.Error{e}); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": e.ID()})
		return
	}

	err := s.pipeline.Signal(capture.SourceHTTP, e)
	switch {
	case errors.Is(err, capture.ErrFiltered):
		c.JSON(http.StatusAccepted, gin.H{"id": e.ID(), "filtered": true})
		return
	case err != nil:
		// Stored and grouped; only the flush callback failed.
		s.logger.Warn().Err(err).Str("id", e.ID()).Msg("signal")
	}
	c.JSON(http.StatusAccepted, gin.H{"id": e.ID()})
}

func (s *Server) handleTopTypes(c *gin.Context) {
	stats, ok := s.store.(model.ErrorStats)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "store does not aggregate"})
		return
	}
	limit, ok := intQuery(c, "limit", 10)
	if !ok {
		return
	}
	counts, err := stats.TopTypes(c.Request.Context(), limit, model.QueryOpts{App: c.Query("app")})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": counts})
}

func (s *Server) handleTopApps(c *gin.Context) {
	stats, ok := s.store.(model.ErrorStats)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "store does not aggregate"})
		return
	}
	limit, ok := intQuery(c, "limit", 10)
	if !ok {
		return
	}
	counts, err := stats.TopApps(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": counts})
}
