// Package resources bundles static assets shipped with the binary: the
// post-boot bootstrap script uploaded to every freshly launched instance.
package resources

import _ "embed"

//go:embed vm-bootstrap.sh
var BootstrapScript []byte
