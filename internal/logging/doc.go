// Package logging builds the zap loggers handed to every component. There is
// no package level logger; constructors take a *zap.Logger and name it.
package logging
