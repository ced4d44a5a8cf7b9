// Package profiles provides the embedded builtin certificate profiles.
//
// Profiles are numbered:
//   - 1 end-entity  - TLS client/server leaf certificates
//   - 2 sub-ca      - subordinate CA, path length 0
//   - 3 root-ca     - self-signed root CA
//
// Deployments override them by id from the configured profiles directory.
package profiles

import "embed"

// FS contains the builtin profile YAML files.
//
//go:embed *.yaml
var FS embed.FS
