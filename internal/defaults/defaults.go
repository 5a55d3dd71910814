// Package defaults provides embedded copies of the default
// configuration and persona files written by `aimanager init`.
package defaults

import _ "embed"

//go:generate cp ../../config/default.toml .

// ConfigTOML is the embedded default configuration file, written into
// a fresh project's config/default.toml by `aimanager init`. Kept in
// sync with the repo's own config/default.toml via go:generate since
// go:embed cannot reach outside this package's directory.
//
//go:embed default.toml
var ConfigTOML []byte

// PersonaMD is the embedded default persona file, written alongside
// the default configuration by `aimanager init`.
//
//go:embed persona.md
var PersonaMD []byte
