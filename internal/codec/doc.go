// Package codec decodes batch requests from JSON and TOML and implements the
// length-prefixed frame format spoken between the server and remote agents.
package codec
