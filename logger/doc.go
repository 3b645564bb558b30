// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from the logging
// configuration section. Production mode emits JSON with ISO8601
// timestamps; development mode emits colored console output. Both write to
// stderr so stdout stays free for script output and the stdio transport.
//
// Usage:
//
//	logger, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//	logger.Info("gateway started", zap.String("transport", cfg.Server.Transport))
package logger
