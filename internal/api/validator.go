package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/lalithlochan/propush/internal/eligibility"
)

// ErrTranslatorNotFound indicates the English translator could not be built.
var ErrTranslatorNotFound = errors.New("translator not found")

// Validator validates decoded action requests with go-playground/validator.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

// ValidationError maps a request field path (JSON names) to a message.
type ValidationError map[string]string

func (ve ValidationError) Error() string {
	if len(ve) == 0 {
		return "validation error"
	}

	fields := make([]string, 0, len(ve))
	for f := range ve {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, ve[f])
	}
	return strings.Join(msgs, "; ")
}

// MarshalJSON keeps the map shape when a ValidationError is logged as a field.
func (ve ValidationError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string(ve))
}

// NewValidator builds a Validator with English messages and the hhmm rule.
func NewValidator() (*Validator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	enTrans, ok := uni.GetTranslator("en")
	if !ok {
		return nil, ErrTranslatorNotFound
	}

	if err := enTranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, fmt.Errorf("register translations: %w", err)
	}

	if err := registerCustom(validate, enTrans); err != nil {
		return nil, err
	}

	return &Validator{validate: validate, translator: enTrans}, nil
}

// Validate returns a ValidationError when data fails its struct tags.
func (v *Validator) Validate(data any) error {
	err := v.validate.Struct(data)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationError, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fieldPath(fe.Namespace())] = fe.Translate(v.translator)
	}
	return out
}

// fieldPath drops the root struct name: "sendRequest.notification.title" -> "notification.title".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func registerCustom(validate *validator.Validate, enTrans ut.Translator) error {
	err := validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		// Empty clears an optional time; required handles presence.
		if s == "" {
			return true
		}
		_, err := eligibility.ParseClock(s)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("register hhmm: %w", err)
	}

	err = validate.RegisterTranslation("hhmm", enTrans,
		func(trans ut.Translator) error {
			return trans.Add("hhmm", "{0} must be a time of day in HH:MM format", false)
		},
		func(trans ut.Translator, fe validator.FieldError) string {
			t, err := trans.T(fe.Tag(), fe.Field())
			if err != nil {
				return fe.Error()
			}
			return t
		},
	)
	if err != nil {
		return fmt.Errorf("register hhmm translation: %w", err)
	}
	return nil
}
