// Package config parses the kernel command line passed by the boot loader.
//
// The command line is a whitespace-separated list of key=value pairs and bare
// flags. Unknown keys are ignored; invalid values are reported and replaced
// by the defaults. Parsing does not allocate so it can run before the Go
// allocator is available.
package config

import (
	"lunaviel/kernel/kfmt"
)

// Console selects where kernel and user console output is sent.
type Console uint8

const (
	// ConsoleSerial sends output to the first serial port.
	ConsoleSerial Console = iota

	// ConsoleNone discards output once the early buffer is full.
	ConsoleNone
)

const (
	// DefaultUserStackPages is the initial user stack size in pages.
	DefaultUserStackPages = 16

	// MinUserStackPages and MaxUserStackPages bound the ustack option.
	MinUserStackPages = 1
	MaxUserStackPages = 256
)

// Config holds the options recognized on the kernel command line.
type Config struct {
	// Strace enables logging of every dispatched syscall (strace=on).
	Strace bool

	// UserStackPages is the size of the initial user stack (ustack=N).
	UserStackPages uint32

	// Console selects the console device (console=serial|none).
	Console Console
}

// Default returns the configuration used when the command line is empty.
func Default() Config {
	return Config{
		UserStackPages: DefaultUserStackPages,
		Console:        ConsoleSerial,
	}
}

// Parse returns the configuration described by cmdLine.
func Parse(cmdLine string) Config {
	cfg := Default()

	for pos := 0; pos < len(cmdLine); {
		for pos < len(cmdLine) && isSpace(cmdLine[pos]) {
			pos++
		}

		start := pos
		for pos < len(cmdLine) && !isSpace(cmdLine[pos]) {
			pos++
		}

		if start == pos {
			break
		}

		key, value := splitPair(cmdLine[start:pos])
		cfg.apply(key, value)
	}

	return cfg
}

// apply updates cfg with a single option. A bare flag has an empty value.
func (cfg *Config) apply(key, value string) {
	switch key {
	case "strace":
		switch value {
		case "", "on", "1":
			cfg.Strace = true
		case "off", "0":
			cfg.Strace = false
		default:
			invalid(key, value)
		}
	case "ustack":
		pages, ok := parseUint(value)
		if !ok {
			invalid(key, value)
			return
		}

		switch {
		case pages < MinUserStackPages:
			pages = MinUserStackPages
		case pages > MaxUserStackPages:
			pages = MaxUserStackPages
		}
		cfg.UserStackPages = uint32(pages)
	case "console":
		switch value {
		case "serial":
			cfg.Console = ConsoleSerial
		case "none":
			cfg.Console = ConsoleNone
		default:
			invalid(key, value)
		}
	}
}

func invalid(key, value string) {
	kfmt.Printf("[config] ignoring invalid value \"%s\" for option %s\n", value, key)
}

// splitPair splits "key=value" at the first '='.
func splitPair(pair string) (string, string) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:]
		}
	}
	return pair, ""
}

// parseUint parses a non-empty decimal number, saturating at 1<<32.
func parseUint(s string) (uint64, bool) {
	if len(s) == 0 {
		return 0, false
	}

	var n uint64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}

		if n < 1<<32 {
			n = n*10 + uint64(s[i]-'0')
		}
	}

	return n, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
