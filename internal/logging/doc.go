// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a Trace level below Debug
//   - dual output to stdout and an OpenTelemetry log provider
//   - correlation fields read from context (trace, project, run, segment)
//   - redaction of credentials such as the model API key
//   - level-aware sampling that never drops errors
//
// Create a logger from config:
//
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Attach correlation data as work moves through the pipeline:
//
//	ctx = logging.WithProjectID(ctx, "moby-dick")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "segment succeeded", zap.Int("attempt", 2))
//
// Components that take a *zap.Logger get logger.Underlying() and call
// ContextFields themselves.
package logging
