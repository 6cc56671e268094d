package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mithrel/conduit/internal/config"
)

// flagKeys maps dashed flag names onto config keys.
var flagKeys = map[string]string{
	"endpoint-file": "endpoint_file",
	"http-addr":     "http_addr",
	"log-level":     "log.level",
}

func applyConfigFlagOverrides(cmd *cobra.Command, v *viper.Viper, extra map[string]string) {
	flags := cmd.Flags()
	for _, opt := range config.GetConfigOptions() {
		if f := flags.Lookup(opt.Key); f != nil && f.Changed {
			setFromFlag(flags, v, opt.Key, opt.Key)
		}
	}
	for flagName, key := range extra {
		if f := flags.Lookup(flagName); f != nil && f.Changed {
			setFromFlag(flags, v, flagName, key)
		}
	}
}

func setFromFlag(flags *pflag.FlagSet, v *viper.Viper, flagName, key string) {
	switch flags.Lookup(flagName).Value.Type() {
	case "bool":
		if val, err := flags.GetBool(flagName); err == nil {
			v.Set(key, val)
		}
	case "int":
		if val, err := flags.GetInt(flagName); err == nil {
			v.Set(key, val)
		}
	case "duration":
		if val, err := flags.GetDuration(flagName); err == nil {
			v.Set(key, val)
		}
	default:
		if val, err := flags.GetString(flagName); err == nil {
			v.Set(key, val)
		}
	}
}
