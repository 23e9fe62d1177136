package config

import (
	"strings"

	"github.com/spf13/viper"
)

// bindings maps viper keys to the environment variables (and .env
// entries) that set them.
var bindings = map[string]string{
	"app.env":  "APP_ENV",
	"app.port": "PORT",
	"app.url":  "APP_URL",

	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.name":     "DATABASE_NAME",
	"database.ssl_mode": "DATABASE_SSL_MODE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"jwt.secret_key":   "JWT_SECRET_KEY",
	"jwt.expiry_hours": "JWT_EXPIRY_HOURS",

	"lightning.url":             "LND_REST_URL",
	"lightning.macaroon":        "LND_ADMIN_MACAROON",
	"lightning.tls_skip_verify": "LND_TLS_SKIP_VERIFY",
	"lightning.pay_timeout":     "LIGHTNING_PAY_TIMEOUT",

	"admin.emails": "ADMIN_EMAILS",

	"withdrawal.approval_threshold": "WITHDRAWAL_APPROVAL_THRESHOLD",
	"withdrawal.max_amount":         "WITHDRAWAL_MAX_AMOUNT",
	"withdrawal.lock_ttl":           "WITHDRAWAL_LOCK_TTL",

	"device.sats_per_coin":     "DEVICE_SATS_PER_COIN",
	"device.feed_cost":         "DEVICE_FEED_COST",
	"device.poll_interval":     "DEVICE_POLL_INTERVAL",
	"device.rate_limit":        "DEVICE_RATE_LIMIT",
	"device.rate_limit_window": "DEVICE_RATE_LIMIT_WINDOW",
	"device.rejection_window":  "DEVICE_REJECTION_WINDOW",

	"smtp.host":     "SMTP_HOST",
	"smtp.port":     "SMTP_PORT",
	"smtp.username": "SMTP_USERNAME",
	"smtp.password": "SMTP_PASSWORD",
	"smtp.from":     "SMTP_FROM",

	"kafka.brokers":         "KAFKA_BROKERS",
	"kafka.max_retry_count": "KAFKA_MAX_RETRY_COUNT",

	"github.webhook_secret": "GITHUB_WEBHOOK_SECRET",

	"alexa.redirect_uris": "ALEXA_REDIRECT_URIS",
	"alexa.client_id":     "ALEXA_CLIENT_ID",
	"alexa.client_secret": "ALEXA_CLIENT_SECRET",
	"alexa.token_ttl":     "ALEXA_TOKEN_TTL",
}

// Init points viper at .env and binds environment variables to viper keys.
func Init() {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	for key, env := range bindings {
		viper.BindEnv(key, env)
	}

	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.port", "8080")
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("kafka.max_retry_count", 5)
	viper.SetDefault("alexa.token_ttl", "8760h")
	viper.SetDefault("lightning.pay_timeout", "60s")
}

// ReadFile loads the .env file. A .env file yields flat keys such as
// admin_emails, so each one is copied onto its dotted key as a default;
// real environment variables still take precedence.
func ReadFile() error {
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	for key, env := range bindings {
		if val := viper.Get(strings.ToLower(env)); val != nil {
			viper.SetDefault(key, val)
		}
	}
	return nil
}
