package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nkkko/axnotify/internal/api/errors"
)

// maxBodySize bounds request bodies; every request here is small
const maxBodySize = 64 << 10

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := decoder.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// Min validates that a number is not less than the specified min value
func Min(field string, value, min int) error {
	if value < min {
		return errors.ValidationError(
			"min_value_not_met",
			field+" must be at least "+strconv.Itoa(min),
		)
	}
	return nil
}
