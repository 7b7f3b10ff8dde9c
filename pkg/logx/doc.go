// Package logx is relaybot's logging: a value-type Logger over zerolog.
//
// Console lines are short and human readable, the optional file sink is
// JSON, and warnings can be mirrored to an operator Telegram chat at a
// bounded rate. Service.Apply swaps all of it at runtime.
package logx
