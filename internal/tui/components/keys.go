package components

// Dashboard keys. Single letters are safe here: the dashboard never
// forwards keystrokes to a shell.
const (
	KeyQuit    = "q"
	KeyQuitAlt = "ctrl+c"

	KeyReconnect  = "r"
	KeyBuildStart = "b"
	KeyHMRApplied = "h"
	KeyClear      = "c"
)

// FooterKeys is the key legend shown at the bottom of the dashboard.
var FooterKeys = [][2]string{
	{KeyReconnect, "reconnect"},
	{KeyBuildStart, "mark build"},
	{KeyHMRApplied, "mark hmr"},
	{KeyClear, "clear"},
	{KeyQuit, "quit"},
}

// IsQuitKey reports whether key exits the dashboard.
func IsQuitKey(key string) bool {
	return key == KeyQuit || key == KeyQuitAlt
}
