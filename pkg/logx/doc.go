// Package logx is the logging facade used by nudged and nudge-agent: a
// zerolog logger with readable console output, JSON file output and sinks
// that a config reload can swap while loggers are in use.
package logx
