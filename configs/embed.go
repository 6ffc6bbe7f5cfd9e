// Package configs embeds the configuration template written by
// `msgsearch config init`, so it ships with every build.
//
// The template documents every setting with its default value. Keep it in
// step with internal/config NewConfig(); a test fails when they drift.
package configs

import _ "embed"

// ConfigTemplate is the commented default configuration.
//
//go:embed msgsearch.example.yaml
var ConfigTemplate string
