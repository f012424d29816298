// Package logx provides structured logging for notigate on top of zerolog.
//
// Components receive a Logger value; the Service owns the sinks and can
// re-apply configuration at runtime without invalidating held loggers.
package logx
