package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hookdeck/txnhook/internal/config"
)

func validConfig() *config.Config {
	c := &config.Config{}
	c.InitDefaults()
	c.PostgresURL = "postgres://localhost:5432/txnhook?sslmode=disable"
	c.Webhook.SecretEncryptionKey = "test-encryption-key"
	return c
}

func TestValidateRequiresPostgresURL(t *testing.T) {
	c := validConfig()
	c.PostgresURL = ""
	assert.Error(t, c.Validate())
}

func TestValidateRequiresRedisHost(t *testing.T) {
	c := validConfig()
	c.Redis.Host = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownEventBusDriver(t *testing.T) {
	c := validConfig()
	c.EventBus.Driver = "carrier-pigeon"
	assert.Error(t, c.Validate())
}

func TestValidateRequiresSecretEncryptionKey(t *testing.T) {
	c := validConfig()
	c.Webhook.SecretEncryptionKey = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownAlertChannel(t *testing.T) {
	c := validConfig()
	c.Alert.Channel = "carrier-pigeon"
	assert.Error(t, c.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}
