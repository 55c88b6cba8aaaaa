// Package validation содержит правила проверки входных данных HTTP-запросов.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("premium_tier", func(fl validator.FieldLevel) bool {
		return model.PremiumTier(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Validate проверяет структуру и возвращает ошибки по полям или nil.
func Validate(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"": err.Error()}
	}

	res := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required", "notblank":
			res[field] = "this field is required"
		case "gt":
			res[field] = "value must be greater than " + fe.Param()
		case "gte":
			res[field] = "value must be at least " + fe.Param()
		case "lte":
			res[field] = "value must be at most " + fe.Param()
		case "max":
			res[field] = "value is too long (max: " + fe.Param() + ")"
		case "oneof":
			res[field] = "value must be one of: " + fe.Param()
		case "premium_tier":
			res[field] = "invalid tier, must be standard, pro or vip"
		default:
			res[field] = "invalid value"
		}
	}
	return res
}
