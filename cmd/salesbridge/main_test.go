package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SALESBRIDGE_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "SALESBRIDGE_MODEL",
		"API_ADDR", "MESSAGING_BACKEND", "MCP_SERVER_URL",
		"TWILIO_ACCOUNT_SID", "SALESBRIDGE_ENABLED", "SALESBRIDGE_MAX_TOKENS",
		"SALESBRIDGE_HISTORY_WINDOW", "SALESBRIDGE_TOOL_ACCESS",
		"RECOVERY_SCHEDULE", "DEFAULT_COUNTRY_CODE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	expectedDSN := filepath.Join(DefaultStateDir, DefaultDBFileName)
	if config.DatabaseDSN != expectedDSN {
		t.Errorf("Expected default DSN %q, got %q", expectedDSN, config.DatabaseDSN)
	}
	expectedWhatsAppDSN := filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName)
	if config.WhatsAppDSN != expectedWhatsAppDSN {
		t.Errorf("Expected default WhatsApp DSN %q, got %q", expectedWhatsAppDSN, config.WhatsAppDSN)
	}
	if config.Backend != BackendWhatsApp {
		t.Errorf("Expected whatsapp backend by default, got %q", config.Backend)
	}
	if config.RecoveryCron != DefaultRecoverySchedule {
		t.Errorf("Expected default recovery schedule, got %q", config.RecoveryCron)
	}
}

func TestLoadEnvironmentConfigTwilioAutoSelection(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")

	config := loadEnvironmentConfig()

	if config.Backend != BackendTwilio {
		t.Errorf("Expected twilio backend when credentials are set, got %q", config.Backend)
	}
}

func TestLoadEnvironmentConfigExplicitBackendWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("MESSAGING_BACKEND", BackendWhatsApp)

	config := loadEnvironmentConfig()

	if config.Backend != BackendWhatsApp {
		t.Errorf("Expected explicit backend to win, got %q", config.Backend)
	}
}

func TestBuildModelConfigDefaults(t *testing.T) {
	clearEnv(t)

	config := loadEnvironmentConfig()
	key := "sk-test"
	model := "gpt-4o-mini"
	flags := Flags{openaiKey: &key, model: &model}

	cfg := buildModelConfig(config, flags)

	if !cfg.Enabled {
		t.Error("Expected generation enabled by default")
	}
	if cfg.APIKey != "sk-test" || cfg.Model != "gpt-4o-mini" {
		t.Errorf("Flag values not applied: %+v", cfg)
	}
	if cfg.MaxTokens != models.DefaultMaxTokens {
		t.Errorf("Expected normalized max tokens, got %d", cfg.MaxTokens)
	}
	if cfg.RequestTimeout != models.DefaultRequestTimeout {
		t.Errorf("Expected normalized request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.FallbackMessage != models.DefaultFallbackMessage {
		t.Errorf("Expected default fallback message, got %q", cfg.FallbackMessage)
	}
}

func TestBuildModelConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SALESBRIDGE_ENABLED", "false")
	t.Setenv("SALESBRIDGE_MAX_TOKENS", "1024")
	t.Setenv("SALESBRIDGE_REQUEST_TIMEOUT", "10s")
	t.Setenv("DEFAULT_COUNTRY_CODE", "91")

	config := loadEnvironmentConfig()
	key := ""
	model := "gpt-4o"
	flags := Flags{openaiKey: &key, model: &model}

	cfg := buildModelConfig(config, flags)

	if cfg.Enabled {
		t.Error("Expected generation disabled")
	}
	if cfg.MaxTokens != 1024 {
		t.Errorf("Expected max tokens 1024, got %d", cfg.MaxTokens)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.DefaultCountryCode != "91" {
		t.Errorf("Expected country code 91, got %q", cfg.DefaultCountryCode)
	}
}
