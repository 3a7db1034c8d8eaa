package config

// ConfigBackend persists the non-secret settings listed in specs between
// runs: the remote URLs and timeout, sync intervals and strategy, the data
// directory, the schema file and the log level. Keys are the dotted names
// printed by `fieldsync config show`, such as sync.pull_interval.
//
// Booleans and durations are stored as strings and parsed on load, so a
// hand-edited value that does not parse falls back to its default. Secret
// keys never reach a ConfigBackend; they live in the secret store (see
// keychain.go).
//
// macOS keeps settings in the com.fieldsync.app defaults domain. Other
// platforms use $XDG_CONFIG_HOME/fieldsync/config.json.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes a key so its default applies again. Deleting an
	// unset key is not an error.
	Delete(key string) error
}
