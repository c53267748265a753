package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/usage"
)

// UsageBody is the wire schema of the usage endpoint. Pointers make a missing
// field distinguishable from a zero value.
type UsageBody struct {
	Model        string           `json:"model" validate:"required"`
	Temperature  *float64         `json:"temperature" validate:"required"`
	TopP         *float64         `json:"top_p" validate:"required"`
	Echo         *bool            `json:"echo"`
	Stream       *bool            `json:"stream"`
	InputCost    *decimal.Decimal `json:"input_cost" validate:"required"`
	OutputCost   *decimal.Decimal `json:"output_cost" validate:"required"`
	TotalCost    *decimal.Decimal `json:"total_cost" validate:"required"`
	InputTokens  *int             `json:"input_tokens" validate:"required,gte=0"`
	OutputTokens *int             `json:"output_tokens" validate:"required,gte=0"`
	MaxTokens    *int             `json:"max_tokens" validate:"required,gte=0"`
	Messages     json.RawMessage  `json:"messages"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseUsageBody decodes and validates a usage body. Violations are
// *apperr.ValidationError naming the offending field.
func ParseUsageBody(body []byte) (usage.Input, error) {
	var b UsageBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return usage.Input{}, apperr.Invalid(typeErr.Field, fmt.Sprintf("%s must be of type %s", typeErr.Field, typeErr.Type))
		}
		return usage.Input{}, apperr.Invalid("body", "invalid request body")
	}

	if err := rejectQuotedCosts(body); err != nil {
		return usage.Input{}, err
	}

	if err := validate.Struct(&b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return usage.Input{}, fieldError(verrs[0])
		}
		return usage.Input{}, apperr.Invalid("body", err.Error())
	}

	in := usage.Input{
		Model:        b.Model,
		Temperature:  *b.Temperature,
		TopP:         *b.TopP,
		InputCost:    *b.InputCost,
		OutputCost:   *b.OutputCost,
		TotalCost:    *b.TotalCost,
		InputTokens:  *b.InputTokens,
		OutputTokens: *b.OutputTokens,
		MaxTokens:    *b.MaxTokens,
		Messages:     b.Messages,
	}
	if b.Echo != nil {
		in.Echo = *b.Echo
	}
	if b.Stream != nil {
		in.Stream = *b.Stream
	}
	if err := usage.Verify(in); err != nil {
		return usage.Input{}, err
	}
	return in, nil
}

// rejectQuotedCosts enforces that costs arrive as JSON numbers. The decimal
// type would otherwise accept "0.1" as well.
func rejectQuotedCosts(body []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return apperr.Invalid("body", "invalid request body")
	}
	for _, field := range []string{"input_cost", "output_cost", "total_cost"} {
		v := bytes.TrimSpace(raw[field])
		if len(v) > 0 && v[0] == '"' {
			return apperr.Invalid(field, field+" must be of type number")
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		if field == "model" {
			return apperr.Invalid(field, "model is missing")
		}
		return apperr.Invalid(field, field+" is required")
	case "gte":
		return apperr.Invalid(field, fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param()))
	default:
		return apperr.Invalid(field, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
	}
}
