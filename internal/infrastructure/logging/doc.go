// Package logging builds the zap loggers used across the kernel.
//
// Two modes are supported:
//   - Production: JSON lines, sampled, no stack traces below error
//   - Development: coloured console output with stack traces on warn
//
// Kernel components never build their own logger. They take a *zap.Logger
// through their options and default to zap.NewNop(), so the root logger
// built here is the only one that writes anywhere. Components are told
// apart with Named:
//
//	logger, err := logging.New(logging.Config{Level: "debug", Development: true})
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//	k := kernel.New(kernel.Config{Logger: logger.Logger})
//	k.Logger().Named("frame").Info("allocator ready", zap.Uint64("free", n))
package logging
