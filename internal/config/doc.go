// Package config provides the gateway configuration document, YAML loading
// with environment variable substitution, validation, and file watching for
// hot reload.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("configs/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// # File Watching
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.GatewayConfig) {
//	    // apply cfg
//	}, config.WithLogger(logger))
//	watcher.Start(ctx)
//
// A reload that fails to parse or validate is reported through the error
// callback and never reaches the config callback.
package config
