package config

import (
	"os"

	"gopkg.in/yaml.v3"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

// Example returns the configuration written by `ciagent init`.
func Example() *Config {
	cfg := &Config{
		Agent: AgentConfig{
			CheckoutRoot: "./checkouts",
			DataDir:      "./data",
			Workers:      2,
			QueueSize:    100,
			BuildTimeout: "1h",
		},
		HTTP:   HTTPConfig{Enabled: true, Addr: ":8089"},
		Notify: NotifyConfig{NATSURL: "${CIAGENT_NATS_URL}"},
		Poll:   PollConfig{Enabled: true, Interval: "5m"},
		Repositories: []RepositoryConfig{
			{
				Name:     "example-app",
				URL:      "https://github.com/example/example-app.git",
				Branch:   "main",
				Scheme:   "ExampleApp",
				Platform: "iPhone 15",
				SDK:      "iphonesimulator",
				Simulator: &SimulatorConfig{
					App:         "build/Debug-iphonesimulator/ExampleApp.app",
					Family:      "iphone",
					SDK:         "com.apple.CoreSimulator.SimRuntime.iOS-17-5",
					RecordVideo: true,
				},
				AutoBuild: true,
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Init writes an example configuration to path.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return foundationerrors.ValidationError("configuration file already exists (use --force to overwrite)").
			WithContext("path", path).Build()
	}

	data, err := yaml.Marshal(Example())
	if err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryInternal, "failed to marshal example config").Build()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to write config file").
			WithContext("path", path).Build()
	}
	return nil
}
