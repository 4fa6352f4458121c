package validation

import (
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type defaultValidator struct{ v *validator.Validate }

func (d *defaultValidator) Validate(i interface{}) error {
	return d.v.Struct(i)
}

// New returns an echo.Validator for the messaging boundary. Fields are
// reported under their json names, and the relativeurl rule is available
// for return-path parameters that must never leave the site.
func New() echo.Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// Registration only fails for a nil func or an empty tag.
	_ = v.RegisterValidation("relativeurl", relativeURL)
	return &defaultValidator{v: v}
}

// relativeURL accepts only same-site paths: no scheme, no host, and no
// protocol-relative ("//...") form.
func relativeURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if strings.HasPrefix(raw, "//") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && strings.HasPrefix(raw, "/")
}
