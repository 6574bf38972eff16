package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/faultline/internal/model"
)

type rowCounter interface {
	TableRowCounts() (map[string]int64, error)
}

func (s *Server) querier(c *gin.Context) (model.SchemaQuerier, bool) {
	q, ok := s.store.(model.SchemaQuerier)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%s store does not support SQL queries", s.store.Name())})
		return nil, false
	}
	return q, true
}

func (s *Server) handleSchema(c *gin.Context) {
	q, ok := s.querier(c)
	if !ok {
		return
	}
	description := q.GetSchemaDescription()

	tables, err := q.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	body := gin.H{
		"description": description,
		"tables":      schema,
	}
	if rc, ok := s.store.(rowCounter); ok {
		counts, err := rc.TableRowCounts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
			return
		}
		body["row_counts"] = counts
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleQuery(c *gin.Context) {
	q, ok := s.querier(c)
	if !ok {
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := q.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
