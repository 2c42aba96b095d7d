//go:build !windows

package icon

import _ "embed"

//go:embed logo.png
var Logo []byte

//go:embed edit.png
var EditConfig []byte

//go:embed refresh.png
var RefreshDevices []byte
