package api

import (
	"io"

	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/validation"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var createLoanSchema = validation.MustCompile(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["book_id"],
	"properties": {
		"user_id": {"type": "integer", "minimum": 1},
		"book_id": {"type": "integer", "minimum": 1},
		"notes": {"type": ["string", "null"], "maxLength": 500},
		"request_id": {"type": "string", "minLength": 1, "maxLength": 128}
	}
}`)

var calculateFineSchema = validation.MustCompile(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"rate": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]{1,2})?$", "minimum": 0}
	}
}`)

var createNotificationSchema = validation.MustCompile(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["user_id", "type", "subject", "message"],
	"properties": {
		"user_id": {"type": "integer", "minimum": 1},
		"type": {"enum": ["EMAIL", "SMS"]},
		"subject": {"type": "string", "minLength": 1, "maxLength": 255},
		"message": {"type": "string", "minLength": 1}
	}
}`)

var sendFromTemplateSchema = validation.MustCompile(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["template_id", "user_id"],
	"properties": {
		"template_id": {"type": "integer", "minimum": 1},
		"user_id": {"type": "integer", "minimum": 1},
		"type": {"enum": ["EMAIL", "SMS"]},
		"context": {"type": ["object", "null"]}
	}
}`)

// bind validates the request body against schema and decodes it into dst.
// An empty body is treated as an empty object.
func bind(c echo.Context, schema *validation.Schema, dst interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperrors.NewValidationError("unreadable request body")
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if result := schema.ValidateBytes(body); !result.Valid {
		return apperrors.NewValidationError(result.Error())
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}
