package icon

import _ "embed"

// Windows wants .ico for tray and menu icons

//go:embed logo.ico
var Logo []byte

//go:embed edit.ico
var EditConfig []byte

//go:embed refresh.ico
var RefreshDevices []byte
