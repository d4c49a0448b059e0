package voiceflow

import (
	"fmt"
	"strings"
)

const (
	apiKeyPrefix    = "VF.DM."
	apiKeyMinLength = 30
)

// Reason identifies which precondition failed.
type Reason string

const (
	ReasonMissingAPIKey     Reason = "missing_api_key"
	ReasonPlaceholderAPIKey Reason = "placeholder_api_key"
	ReasonMalformedAPIKey   Reason = "malformed_api_key"
	ReasonMissingProjectID  Reason = "missing_project_id"
)

var placeholderMarkers = []string{
	"your", "xxx", "changeme", "change-me", "placeholder", "replace", "example", "<", ">", "...",
}

// ConfigError describes an unusable agent-service configuration along with
// the ordered steps an operator should take to fix it.
type ConfigError struct {
	Reason      Reason
	Field       string
	Remediation []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("voiceflow misconfigured: %s (%s)", e.Reason, e.Field)
}

// Guard validates credentials before any network call is made.
func Guard(c Credentials) error {
	key := strings.TrimSpace(c.APIKey)
	switch {
	case key == "":
		return &ConfigError{
			Reason: ReasonMissingAPIKey,
			Field:  "VOICEFLOW_API_KEY",
			Remediation: []string{
				"Open the agent in Voiceflow and go to Integrations > Dialog API.",
				"Copy the Dialog Manager API key (it starts with " + apiKeyPrefix + ").",
				"Set VOICEFLOW_API_KEY in the service environment and restart.",
			},
		}
	case isPlaceholder(key):
		return &ConfigError{
			Reason: ReasonPlaceholderAPIKey,
			Field:  "VOICEFLOW_API_KEY",
			Remediation: []string{
				"VOICEFLOW_API_KEY still holds a template value from the sample env file.",
				"Replace it with the real Dialog Manager API key from Voiceflow Integrations.",
				"Restart the service after updating the environment.",
			},
		}
	case !strings.HasPrefix(key, apiKeyPrefix) || len(key) < apiKeyMinLength:
		return &ConfigError{
			Reason: ReasonMalformedAPIKey,
			Field:  "VOICEFLOW_API_KEY",
			Remediation: []string{
				fmt.Sprintf("Dialog Manager API keys start with %s and are at least %d characters long.", apiKeyPrefix, apiKeyMinLength),
				"Check that the whole key was copied, with no surrounding quotes or whitespace.",
				"Make sure a workspace or project key was not used in place of the Dialog API key.",
			},
		}
	}

	if strings.TrimSpace(c.ProjectID) == "" {
		return &ConfigError{
			Reason: ReasonMissingProjectID,
			Field:  "VOICEFLOW_PROJECT_ID",
			Remediation: []string{
				"Open the agent in Voiceflow and copy the project id from Agent Settings.",
				"Set VOICEFLOW_PROJECT_ID in the service environment and restart.",
			},
		}
	}
	return nil
}

func isPlaceholder(key string) bool {
	lower := strings.ToLower(key)
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
