package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
//
// Parameters:
//   - cfg: The configuration to check
//
// Returns:
//   - nil if valid; otherwise an error naming every failing field and rule
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}

	return errors.New(strings.Join(msgs, "; "))
}
