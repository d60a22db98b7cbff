package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalDecimal(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}

// pathID returns the named path parameter when it is a valid snowflake ID.
func pathID(c *gin.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed == 0 {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return "", false
	}
	return id, true
}

// timeRange parses the created_from and created_to query parameters.
func timeRange(c *gin.Context, fromKey, toKey string) (*time.Time, *time.Time, bool) {
	from, err := parseOptionalTime(c.Query(fromKey), false)
	if err != nil {
		AbortWithError(c, newValidationError(fromKey, "invalid_"+fromKey, "invalid "+fromKey))
		return nil, nil, false
	}
	to, err := parseOptionalTime(c.Query(toKey), true)
	if err != nil {
		AbortWithError(c, newValidationError(toKey, "invalid_"+toKey, "invalid "+toKey))
		return nil, nil, false
	}
	return from, to, true
}
