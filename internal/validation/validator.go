// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package validation provides struct validation using go-playground/validator
// v10 behind a thread-safe singleton, with fabric-specific rules:
//
//   - plate: text that normalizes to a usable plate identity
//   - central_id: a central identifier safe to embed in event ids
//
// Handlers validate decoded request bodies and turn failures into the API's
// VALIDATION_FAILED error shape:
//
//	if err := validation.ValidateStruct(&req); err != nil {
//	    rw.ValidationError(err.Error(), err.Fields())
//	    return
//	}
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/parkfabric/parkfabric/internal/plate"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one field that failed validation.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// RequestError is a collection of field validation errors.
type RequestError struct {
	fields []FieldError
}

// Fields returns the individual field errors, suitable for error details.
func (re *RequestError) Fields() []FieldError {
	return re.fields
}

// Error implements the error interface with a combined message.
func (re *RequestError) Error() string {
	if len(re.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(re.fields))
	for i, fe := range re.fields {
		messages[i] = fe.Message
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the singleton validator with fabric rules registered.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// plate: the value must normalize to a usable plate identity.
		_ = validate.RegisterValidation("plate", func(fl validator.FieldLevel) bool {
			_, ok := plate.Normalize(fl.Field().String())
			return ok
		})

		// central_id: underscores would corrupt event_id timestamp parsing
		// on peers, so they are rejected here as well as at config load.
		_ = validate.RegisterValidation("central_id", func(fl validator.FieldLevel) bool {
			v := fl.Field().String()
			return v != "" && !strings.Contains(v, "_")
		})
	})
	return validate
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil on success, or a *RequestError describing every failed field.
func ValidateStruct(s interface{}) *RequestError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RequestError{fields: []FieldError{{
			Field:   "unknown",
			Tag:     "unknown",
			Message: err.Error(),
		}}}
	}

	fields := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translate(fe),
		}
	}
	return &RequestError{fields: fields}
}

var messageTemplates = map[string]string{
	"required":   "%s is required",
	"plate":      "%s does not contain a usable plate identity",
	"central_id": "%s must be a valid central id (non-empty, no underscores)",
	"datetime":   "%s must be a valid timestamp",
	"url":        "%s must be a valid URL",
	"hostname":   "%s must be a valid hostname",
}

var messageTemplatesWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
}

func translate(fe validator.FieldError) string {
	if t, ok := messageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(t, fe.Field())
	}
	if t, ok := messageTemplatesWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(t, fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
