package config

// GetBackendConfigURL is the dashboard backend endpoint that issues gateway
// connection parameters for the authenticated operator.
func GetBackendConfigURL() string {
	return GetEnvOrDefault("BACKEND_CONFIG_URL", "")
}

// GetOperatorToken is the bearer credential presented to the dashboard
// backend when fetching connection config.
func GetOperatorToken() string {
	return GetEnvOrDefault("OPERATOR_TOKEN", "")
}
