package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/codeforge/pipeline-core/internal/faults"
)

var validate = validator.New()

// Validate runs the struct-tag range/shape checks over cfg, naming the
// offending key in the returned error the way spec.md §6 and §7
// (ErrConfig) require: "any out-of-range value aborts startup with the
// offending name".
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%w: %v", faults.ErrConfig, err)
		}
		first := verrs[0]
		return fmt.Errorf("%w: %s=%v fails %s", faults.ErrConfig, first.Namespace(), first.Value(), first.Tag())
	}

	for stage, n := range cfg.Concurrency.StageWorkers {
		if n < 0 {
			return fmt.Errorf("%w: concurrency.stage_workers[%s]=%d must be >= 0", faults.ErrConfig, stage, n)
		}
	}

	return nil
}
