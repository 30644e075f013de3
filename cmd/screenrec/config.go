package main

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/xpath"
)

const envPrefix = "SCREENREC"

// loadOptions parses args and overlays, in this order: the defaults, the
// config file, the SCREENREC_* environment variables, the flags.
func loadOptions(args []string) (*options, error) {
	parsed := defaultOptions()
	cmdline := newFlagSet(&parsed)
	if err := cmdline.Parse(args); err != nil {
		return nil, err
	}
	if cmdline.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", cmdline.Args())
	}

	env := viper.New()
	env.SetEnvPrefix(envPrefix)
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.AutomaticEnv()

	result := defaultOptions()
	result.ConfigPath = parsed.ConfigPath
	if !cmdline.Changed("config") && env.IsSet("config") {
		result.ConfigPath = env.GetString("config")
	}
	if result.ConfigPath != "" {
		cfg, err := readConfigFile(result.ConfigPath, result.Config)
		if err != nil {
			return nil, err
		}
		result.Config = cfg
	}

	final := newFlagSet(&result)
	var err error
	final.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		if src := cmdline.Lookup(f.Name); src.Changed {
			err = copyFlag(f, src)
			return
		}
		if env.IsSet(f.Name) {
			if setErr := final.Set(f.Name, env.GetString(f.Name)); setErr != nil {
				err = fmt.Errorf("invalid value of %s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), setErr)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if result.Config.Output.Path, err = xpath.Expand(result.Config.Output.Path); err != nil {
		return nil, fmt.Errorf("unable to expand the output path '%s': %w", result.Config.Output.Path, err)
	}
	if err := result.apply(); err != nil {
		return nil, err
	}
	return &result, nil
}

func copyFlag(dst, src *pflag.Flag) error {
	if srcSlice, ok := src.Value.(pflag.SliceValue); ok {
		dstSlice, ok := dst.Value.(pflag.SliceValue)
		if !ok {
			return fmt.Errorf("flag --%s: %T is not a slice", dst.Name, dst.Value)
		}
		return dstSlice.Replace(srcSlice.GetSlice())
	}
	if err := dst.Value.Set(src.Value.String()); err != nil {
		return fmt.Errorf("flag --%s: %w", dst.Name, err)
	}
	return nil
}

// readConfigFile overlays the file over cfg. viper reads any format it
// knows; the result goes through YAML to reuse the config unmarshalers.
func readConfigFile(path string, cfg screenrec.Config) (screenrec.Config, error) {
	path, err := xpath.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to expand the config path '%s': %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}

	b, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return cfg, fmt.Errorf("unable to re-serialize the config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse the config file '%s': %w", path, err)
	}
	return cfg, nil
}
