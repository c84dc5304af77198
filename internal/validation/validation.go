// Package validation holds the struct tags shared by the HTTP binder and
// the signaling gateway.
package validation

import (
	stderrors "errors"
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

var aliases = map[string]string{
	"userid":      "min=1,max=128,printascii",
	"requestid":   "uuid4",
	"requestkind": "oneof=one_on_one group",
	// talk_request is only ever sent by the server
	"clientevent": "oneof=call_invitation call_declined call_ended",
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := Apply(v); err != nil {
			panic(err)
		}
	}
}

// Apply registers the custom tags on v.
func Apply(v *validator.Validate) error {
	if err := v.RegisterValidation("roomid", isRoomID); err != nil {
		return err
	}
	for tag, expanded := range aliases {
		v.RegisterAlias(tag, expanded)
	}
	return nil
}

// New returns a validator carrying the custom tags.
func New() *validator.Validate {
	v := validator.New()
	if err := Apply(v); err != nil {
		panic(err)
	}
	return v
}

// isRoomID accepts 3 to 64 letters, digits, hyphens or underscores.
func isRoomID(fl validator.FieldLevel) bool {
	return roomIDPattern.MatchString(fl.Field().String())
}

// Error is one failed field in an API error body.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FormatValidationError flattens validator errors into field/message pairs.
// Other errors yield nothing.
func FormatValidationError(err error) []Error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return nil
	}
	out := make([]Error, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, Error{Field: e.Field(), Message: e.Error()})
	}
	return out
}
