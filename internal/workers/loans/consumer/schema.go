// internal/workers/loans/consumer/schema.go
package consumer

import "library-workers/internal/common/validation"

// requestSchema validates loan request messages before they are decoded.
var requestSchema = validation.MustCompile(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["event_type"],
	"properties": {
		"event_type": {
			"enum": ["loan_create_request", "loan_return_request", "loan_renew_request"]
		},
		"request_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"data": {
			"type": "object",
			"required": ["user_id", "book_id"],
			"properties": {
				"user_id": {"type": "integer", "minimum": 1},
				"book_id": {"type": "integer", "minimum": 1},
				"notes": {"type": ["string", "null"], "maxLength": 500}
			}
		},
		"loan_id": {"type": "integer", "minimum": 1},
		"user_id": {"type": "integer", "minimum": 1}
	},
	"if": {"properties": {"event_type": {"const": "loan_create_request"}}},
	"then": {"required": ["data"]},
	"else": {"required": ["loan_id"]}
}`)
