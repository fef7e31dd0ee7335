package codes

// Exit codes returned by the happypack CLI
const (
	Success      = 0
	BuildFailed  = 1
	ConfigError  = 2
	StartupError = 3
	Interrupted  = 130
)

// ExitCodes maps happypack exit codes to their descriptions
var ExitCodes = map[int]string{
	Success:      "Success",
	BuildFailed:  "One or more files failed to transform",
	ConfigError:  "Invalid configuration",
	StartupError: "Worker pool or configuration snapshot could not be started",
	Interrupted:  "Interrupted",
}

// IsSuccess returns true if the exit code indicates a successful build
func IsSuccess(code int) bool {
	return code == Success
}

// GetErrorMessage returns the message for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ExitCodes[code]; ok {
		return msg
	}

	return "Unknown error"
}
