package config

import (
	"reflect"

	"github.com/caarlos0/env/v11"
)

// ParseOption configures Parse.
type ParseOption func(*parseOptions)

type parseOptions struct {
	prefix      string
	environment map[string]string
	parsers     map[reflect.Type]env.ParserFunc
	onSet       func(key string, isDefault bool)
}

// WithPrefix prepends prefix to every env key of the parsed struct.
func WithPrefix(prefix string) ParseOption {
	return func(o *parseOptions) {
		o.prefix = prefix
	}
}

// WithEnvironment parses from the given map instead of the process environment.
func WithEnvironment(environment map[string]string) ParseOption {
	return func(o *parseOptions) {
		if environment != nil {
			o.environment = environment
		}
	}
}

// WithParser registers a parser for a custom field type.
func WithParser(t reflect.Type, fn env.ParserFunc) ParseOption {
	return func(o *parseOptions) {
		if fn == nil {
			return
		}
		if o.parsers == nil {
			o.parsers = make(map[reflect.Type]env.ParserFunc)
		}
		o.parsers[t] = fn
	}
}

// WithOnSet registers a callback invoked for every key that received a value.
// isDefault reports that the value came from an envDefault tag.
func WithOnSet(fn func(key string, isDefault bool)) ParseOption {
	return func(o *parseOptions) {
		o.onSet = fn
	}
}
