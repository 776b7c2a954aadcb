package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
)

// Validator validates structs.
type Validator interface {
	Validate(data any) error
}

var (
	// NIST 800-63B length bounds; bcrypt ignores input past 72 bytes.
	rePassword = regexp.MustCompile(`^.{8,72}$`)

	reSnakeBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])|([A-Z]+)([A-Z][a-z])`)

	channels = map[string]struct{}{"email": {}, "sms": {}, "auth_app": {}}
)

// ErrTranslatorNotFound indicates the requested translator is unavailable.
var ErrTranslatorNotFound = errors.New("translator not found")

// ValidationError maps snake_case field names to translated messages.
type ValidationError map[string]string

func (ve ValidationError) Error() string {
	if len(ve) == 0 {
		return "validation error"
	}

	b, err := json.Marshal(ve)
	if err != nil {
		return fmt.Sprintf("validation error (failed to marshal: %v)", err)
	}
	return string(b)
}

// V10Validator implements Validator using go-playground/validator v10.
type V10Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

// NewV10Validator constructs a V10Validator with English translations and the
// password, channel and identifier rules registered.
func NewV10Validator() (*V10Validator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	enLang := en.New()
	enTrans, ok := ut.New(enLang, enLang).GetTranslator("en")
	if !ok {
		return nil, ErrTranslatorNotFound
	}

	if err := enTranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, err
	}

	rules := []struct {
		tag  string
		msg  string
		rule validator.Func
	}{
		{tag: "password", msg: "{0} must be 8-72 characters", rule: matchString(rePassword.MatchString)},
		{tag: "channel", msg: "{0} must be one of email, sms, auth_app", rule: matchString(func(s string) bool {
			_, ok := channels[s]
			return ok
		})},
		{tag: "identifier", msg: "{0} must be an email address or phone number", rule: matchString(isIdentifier)},
	}

	for _, r := range rules {
		if err := validate.RegisterValidation(r.tag, r.rule); err != nil {
			return nil, err
		}
		if err := validate.RegisterTranslation(r.tag, enTrans, registerMessage(r.tag, r.msg), translate); err != nil {
			return nil, err
		}
	}

	return &V10Validator{validate: validate, translator: enTrans}, nil
}

// Validate returns a ValidationError describing every failing field.
func (v *V10Validator) Validate(data any) error {
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
		out[toSnake(fe.Field())] = fe.Translate(v.translator)
	}

	return out
}

func matchString(fn func(string) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && fn(s)
	}
}

func registerMessage(tag, msg string) validator.RegisterTranslationsFunc {
	return func(t ut.Translator) error {
		return t.Add(tag, msg, false)
	}
}

func translate(t ut.Translator, fe validator.FieldError) string {
	msg, err := t.T(fe.Tag(), fe.Field())
	if err != nil {
		return fe.Error()
	}
	return msg
}

func isIdentifier(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.Contains(s, "@") {
		return true
	}

	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}

	return digits >= 4
}

func toSnake(s string) string {
	return strings.ToLower(reSnakeBoundary.ReplaceAllString(s, "${1}${3}_${2}${4}"))
}
