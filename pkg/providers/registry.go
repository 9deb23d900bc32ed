package providers

import (
	"time"

	"github.com/openfroyo/kindle/pkg/activation"
	"github.com/rs/zerolog"
)

// Factory kinds registered by RegisterBuiltins.
const (
	KindSimulated = "simulated"
	KindScript    = "script"
)

// RegisterBuiltins registers the simulated and script factories on reg.
func RegisterBuiltins(reg *activation.Registry, scriptTimeout time.Duration, logger zerolog.Logger) error {
	if err := reg.Register(KindSimulated, NewSimulated); err != nil {
		return err
	}
	return reg.Register(KindScript, ScriptFactory(scriptTimeout, logger))
}
