// Package models defines the core data structures for BulkPipe.
//
// It includes sessions, campaigns, messages and the API response envelope, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxTemplateLength defines the maximum allowed length for a message template or variation
	MaxTemplateLength = 4096
	// MaxRecipients defines the maximum number of recipients accepted in one campaign
	MaxRecipients = 5000
	// MaxVariations defines the maximum number of variation templates per campaign
	MaxVariations = 20
	// MaxErrorDetailLength bounds the error text stored on a failed message
	MaxErrorDetailLength = 500
)

// Error variables for better error handling and testability
var (
	ErrEmptyOwner       = errors.New("owner_id cannot be empty")
	ErrEmptyTemplate    = errors.New("message_template is required")
	ErrNoRecipients     = errors.New("at least one recipient is required")
	ErrTooManyRecipient = errors.New("too many recipients")
	ErrEmptyRecipient   = errors.New("recipient address cannot be empty")
)

// Stats is the aggregate dispatch view exposed by the admin API.
type Stats struct {
	ConnectedSessions int                  `json:"connected_sessions"`
	ActiveCampaigns   int                  `json:"active_campaigns"`
	SentToday         int                  `json:"sent_today"`
	SentThisWeek      int                  `json:"sent_this_week"`
	MessagesByState   map[MessageState]int `json:"messages_by_state"`
	GeneratedAt       time.Time            `json:"generated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an asynchronous operation was started.
	APIStatusAccepted APIStatus = "accepted"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates an API response for an operation that completes asynchronously.
func Accepted(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithMessage(message).
		Build()
}
