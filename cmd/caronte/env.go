package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CARONTE"

var envKeyReplacer = strings.NewReplacer("-", "_")

// flagEnv fills flags from CARONTE_* environment variables, e.g.
// --tunnel-idle-timeout from CARONTE_TUNNEL_IDLE_TIMEOUT.
type flagEnv struct {
	prefix string
	v      *viper.Viper
}

func newFlagEnv(prefix string) *flagEnv {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	return &flagEnv{prefix: prefix, v: v}
}

func (e *flagEnv) name(flag string) string {
	return envKeyReplacer.Replace(strings.ToUpper(e.prefix + "_" + flag))
}

func (e *flagEnv) annotate(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		f.Usage = fmt.Sprintf("%s (env %s)", f.Usage, e.name(f.Name))
	})
}

// apply sets every flag left alone on the command line from the
// environment. Invalid values are reported together.
func (e *flagEnv) apply(fs *pflag.FlagSet) error {
	var errs []error

	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !e.v.IsSet(f.Name) {
			return
		}

		if err := fs.Set(f.Name, e.v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", e.name(f.Name), err))
		}
	})

	return errors.Join(errs...)
}
