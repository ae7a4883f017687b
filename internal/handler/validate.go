package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/ru"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	ruTranslations "github.com/go-playground/validator/v10/translations/ru"
	"golang.org/x/text/language"
)

const maxBodyBytes = 1 << 20

// requestValidator validates request bodies and renders field errors in the
// caller's language.
type requestValidator struct {
	validate *validator.Validate
	uni      *ut.UniversalTranslator
	lang     string
}

func newRequestValidator(lang string) (*requestValidator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale, ru.New())

	enTrans, _ := uni.GetTranslator("en")
	if err := enTranslations.RegisterDefaultTranslations(v, enTrans); err != nil {
		return nil, fmt.Errorf("register en translations: %w", err)
	}
	ruTrans, _ := uni.GetTranslator("ru")
	if err := ruTranslations.RegisterDefaultTranslations(v, ruTrans); err != nil {
		return nil, fmt.Errorf("register ru translations: %w", err)
	}
	return &requestValidator{validate: v, uni: uni, lang: lang}, nil
}

// translator picks the translator for the request's Accept-Language, falling
// back to the configured language.
func (rv *requestValidator) translator(r *http.Request) ut.Translator {
	var langs []string
	tags, _, _ := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	for _, tag := range tags {
		base, _ := tag.Base()
		langs = append(langs, base.String())
	}
	langs = append(langs, rv.lang)
	trans, _ := rv.uni.FindTranslator(langs...)
	return trans
}

// check validates v and translates field errors for the request's language.
func (rv *requestValidator) check(r *http.Request, v any) (map[string]string, error) {
	err := rv.validate.Struct(v)
	if err == nil {
		return nil, nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil, err
	}
	trans := rv.translator(r)
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Translate(trans)
	}
	return fields, nil
}

// valid reports whether v passes validation, writing the error reply otherwise.
func (h *Handler) valid(w http.ResponseWriter, r *http.Request, v any) bool {
	fields, err := h.rv.check(r, v)
	if err != nil {
		fail(w, r, http.StatusBadRequest, ErrInvalidPayload, nil)
		return false
	}
	if fields != nil {
		fail(w, r, http.StatusBadRequest, ErrValidation, fields)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}
