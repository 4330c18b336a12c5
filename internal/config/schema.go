package config

import _ "embed"

// embeddedCueSchema holds the compiled-in CUE schema so the binary does
// not depend on an external docs/config.cue file unless --config-schema
// overrides it.
//
//go:embed config_schema.cue
var embeddedCueSchema []byte
