// Package autoload exists solely for its import side effects: importing
// it registers every built-in channel factory with pkg/channels' global
// registry via each channel package's own init(). Telegram is the only
// channel binding this module ships (§1 Non-goals excludes the web/HTTP
// binding).
package autoload

import (
	_ "genesis/pkg/channels/telegram"
)
