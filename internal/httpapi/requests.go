package httpapi

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("role", validateRole)
	validate.RegisterValidation("detail", validateDetail)
	validate.RegisterValidation("category", validateCategory)
}

func validateRole(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "user", "assistant", "system":
		return true
	default:
		return false
	}
}

func validateDetail(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "auto", "none", "low", "high":
		return true
	default:
		return false
	}
}

func validateCategory(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "identity", "preference", "interest", "personality", "relationship", "experience", "goal", "guideline":
		return true
	default:
		return false
	}
}

// validationError formats a validator.ValidationErrors as a single
// human-readable 4xx message.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var b strings.Builder
	for i, fe := range verrs {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: failed %s", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s", b.String())
}

// MessageInput is the wire shape of a single message in an add_message
// request. Timestamp is optional; the server stamps now() if absent.
type MessageInput struct {
	Role      string  `json:"role" validate:"required,role"`
	Content   string  `json:"content" validate:"required"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// AddMessageRequest is the body of POST /add_message.
type AddMessageRequest struct {
	ConversationID string       `json:"conversation_id" validate:"required,uuid"`
	Message        MessageInput `json:"message" validate:"required"`
}

// RetrieveMemoryRequest is the body of POST /retrieve_memory and
// /retrieve_memory/raw.
type RetrieveMemoryRequest struct {
	ConversationID string  `json:"conversation_id" validate:"required,uuid"`
	Query          string  `json:"query" validate:"required"`
	EpisodicLimit  int     `json:"episodic_limit"`
	SemanticLimit  int     `json:"semantic_limit"`
	Detail         string  `json:"detail" validate:"detail"`
	Category       *string `json:"category,omitempty" validate:"omitempty,category"`
}

// ContextPreRetrieveRequest is the body of POST /context_pre_retrieve.
type ContextPreRetrieveRequest struct {
	ConversationID string  `json:"conversation_id" validate:"required,uuid"`
	Query          string  `json:"query" validate:"required"`
	SemanticLimit  int     `json:"semantic_limit"`
	Category       *string `json:"category,omitempty" validate:"omitempty,category"`
}

// RecentMemoryRequest is the body of POST /recent_memory and
// /recent_memory/raw.
type RecentMemoryRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	Limit          int    `json:"limit"`
}
