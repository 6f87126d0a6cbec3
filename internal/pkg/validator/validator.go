package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Payment identifiers issued by the crypto gateway
	validate.RegisterValidation("gateway_payment_id", func(fl validator.FieldLevel) bool {
		return nowpayments.IsPaymentID(fl.Field().String())
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string)
	for _, err := range verrs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "uuid", "uuid4":
			errors[field] = "Invalid UUID"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gt":
			errors[field] = "Value must be greater than " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "gateway_payment_id":
			errors[field] = "Invalid payment id. Must be the gateway's numeric identifier"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
